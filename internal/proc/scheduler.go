package proc

import (
	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/arch"
	"mlk-kernel/internal/config"
	"mlk-kernel/internal/mmu"
)

// Scheduler owns the fixed thread/process tables, the priority ready
// queues, and the deferred-reschedule flag (spec.md §4.4, §5).
type Scheduler struct {
	threads   [config.MaxThreads]Thread
	processes [config.MaxProcesses]Process

	readyHead [config.NumPriorities]ThreadID
	readyTail [config.NumPriorities]ThreadID

	current    ThreadID
	HasCurrent bool
	idle       ThreadID
	hasIdle    bool
	Reschedule bool

	hw arch.Hardware

	frames    mmu.FrameAllocator
	view      mmu.PageTableView
	mem       mmu.MemoryView
	asids     *mmu.ASIDPool
	mapKernel KernelMapper
}

// New returns an empty scheduler. hw may be a fake in tests.
func New(hw arch.Hardware) *Scheduler {
	s := &Scheduler{hw: hw}
	for i := range s.readyHead {
		s.readyHead[i] = NoThread
		s.readyTail[i] = NoThread
	}
	s.current = NoThread
	return s
}

// allocThread finds a free thread-table slot and marks it in use.
func (s *Scheduler) allocThread() (ThreadID, *Thread) {
	for i := range s.threads {
		if !s.threads[i].inUse {
			t := &s.threads[i]
			*t = Thread{}
			t.ID = ThreadID(i)
			t.Process = NoProcess
			t.inUse = true
			return t.ID, t
		}
	}
	return NoThread, nil
}

// Thread returns a pointer to the table entry for id, or nil if id is
// out of range or unused.
func (s *Scheduler) Thread(id ThreadID) *Thread {
	if id == NoThread || int(id) >= len(s.threads) || !s.threads[id].inUse {
		return nil
	}
	return &s.threads[id]
}

// allocProcess finds a free process-table slot.
func (s *Scheduler) allocProcess() (ProcessID, *Process) {
	for i := range s.processes {
		if !s.processes[i].inUse {
			p := &s.processes[i]
			*p = Process{}
			p.ID = ProcessID(i)
			p.inUse = true
			return p.ID, p
		}
	}
	return NoProcess, nil
}

// Process returns a pointer to the table entry for id, or nil.
func (s *Scheduler) Process(id ProcessID) *Process {
	if id == NoProcess || int(id) >= len(s.processes) || !s.processes[id].inUse {
		return nil
	}
	return &s.processes[id]
}

// SetIdleThread designates id (already created by the caller) as the
// thread scheduled when every ready queue is empty.
func (s *Scheduler) SetIdleThread(id ThreadID) {
	s.idle = id
	s.hasIdle = true
}

// CreateIdleThread allocates a bare kernel thread bound to no process,
// running entry on the stack topped at stackTop. It is the thread
// Schedule falls back to once every ready queue is empty (spec.md §4.4);
// the caller still has to register it with SetIdleThread. Returns
// NoThread if the thread table is full.
func (s *Scheduler) CreateIdleThread(entry uintptr, stackTop addr.VirtAddr) ThreadID {
	id, t := s.allocThread()
	if t == nil {
		return NoThread
	}
	t.Priority = PriorityIdle
	t.TimeSlice = config.TimeSlice(PriorityIdle)
	t.IsUser = false
	t.FirstRun = true
	t.State = Ready
	t.Context.PC = uint64(entry)
	t.Context.SP = uint64(stackTop)
	return id
}

// ThreadAlive reports whether id still names a thread that has not
// exited, used by internal/ipc's lazy liveness scrub (spec.md §9 open
// question 1): Exit marks every thread of a dying process Dead before
// anything that might be holding a stale endpoint registration to it
// runs again, so a later Send/Receive/Reply/Notify can check here
// instead of exit_process walking every endpoint.
func (s *Scheduler) ThreadAlive(id ThreadID) bool {
	t := s.Thread(id)
	return t != nil && t.State != Dead
}

// CurrentID returns the running thread's id. Invariant 2 of spec.md §8:
// exactly one thread has state==running and equals current.
func (s *Scheduler) CurrentID() ThreadID { return s.current }

// CurrentThread returns a pointer to the running thread's table entry,
// or nil before the first Schedule call.
func (s *Scheduler) CurrentThread() *Thread { return s.Thread(s.current) }

// CurrentProcess returns the running thread's owning process, or nil if
// the current thread is a kernel thread with no process (e.g. idle).
func (s *Scheduler) CurrentProcess() *Process {
	t := s.CurrentThread()
	if t == nil || !t.HasProcess {
		return nil
	}
	return s.Process(t.Process)
}

// enqueueReady appends t to the tail of its priority's ready queue and
// marks it ready. t must not already be on a queue.
func (s *Scheduler) enqueueReady(t *Thread) {
	t.State = Ready
	t.onQueue = true
	t.next = NoThread
	p := t.Priority
	tail := s.readyTail[p]
	if tail == NoThread {
		s.readyHead[p] = t.ID
		t.prev = NoThread
	} else {
		s.threads[tail].next = t.ID
		t.prev = tail
	}
	s.readyTail[p] = t.ID
}

// dequeueReadyHighest removes and returns the head of the highest
// nonempty priority queue (scanned realtime -> idle), or nil if every
// queue is empty (spec.md §4.4 "schedule()").
func (s *Scheduler) dequeueReadyHighest() *Thread {
	for p := 0; p < config.NumPriorities; p++ {
		head := s.readyHead[p]
		if head == NoThread {
			continue
		}
		t := &s.threads[head]
		s.readyHead[p] = t.next
		if t.next == NoThread {
			s.readyTail[p] = NoThread
		} else {
			s.threads[t.next].prev = NoThread
		}
		t.onQueue = false
		t.next, t.prev = NoThread, NoThread
		return t
	}
	return nil
}

// Enqueue makes thread id ready and appends it to its priority queue
// (used by spawn, unblock, and yield).
func (s *Scheduler) Enqueue(id ThreadID) {
	t := s.Thread(id)
	if t == nil || t.onQueue {
		return
	}
	s.enqueueReady(t)
}

// Schedule dequeues the highest-priority ready thread (or the idle
// thread if none) and switches to it, marking it running and current.
// The previously running thread must already have been re-enqueued (if
// still runnable) or blocked by the caller before Schedule runs — this
// mirrors the deferred-reschedule pattern of spec.md §4.4/§9: Schedule
// itself never inspects what was running, it only picks what runs next.
func (s *Scheduler) Schedule() ThreadID {
	next := s.dequeueReadyHighest()
	if next == nil {
		if !s.hasIdle {
			return s.current
		}
		next = &s.threads[s.idle]
	}
	prevID := s.current
	next.State = Running
	s.current = next.ID
	s.HasCurrent = true

	if prevID != NoThread && prevID != next.ID {
		prev := &s.threads[prevID]
		if next.FirstRun {
			next.FirstRun = false
			if next.IsUser {
				s.hw.FirstRunUser(&next.Context, addr.VirtAddr(next.Context.PC), addr.VirtAddr(next.Context.SP))
			} else {
				s.hw.FirstRunKernel(&next.Context, uintptr(next.Context.PC))
			}
		} else {
			s.hw.SwitchContext(&prev.Context, &next.Context)
		}
	}
	return next.ID
}

// Yield re-enqueues current at the tail of its priority queue and sets
// Reschedule; the actual switch happens at syscall return (spec.md §4.4).
func (s *Scheduler) Yield() {
	cur := s.Thread(s.current)
	if cur == nil {
		return
	}
	s.enqueueReady(cur)
	s.Reschedule = true
}

// Block marks current as blocked in the given state and sets
// Reschedule. A blocked thread is enqueued on no ready queue; it is kept
// referenced only by whatever structure blocked it (spec.md §4.4).
func (s *Scheduler) Block(state ThreadState) ThreadID {
	cur := s.Thread(s.current)
	if cur == nil {
		return NoThread
	}
	cur.State = state
	s.Reschedule = true
	return cur.ID
}

// Unblock moves a blocked_* thread back to the tail of its priority
// ready queue (spec.md §4.4).
func (s *Scheduler) Unblock(id ThreadID) {
	t := s.Thread(id)
	if t == nil || t.State == Dead || t.State == Running || t.onQueue {
		return
	}
	s.enqueueReady(t)
}

// UnblockWithReturn stashes (x0, x1, x2) as id's pending syscall return
// value and unblocks it, for the cases spec.md §9 assigns to "the
// unblocking path": IPC direct handoff completing a RECV/blocked SEND,
// or a parent's Exit completing a blocked WAIT.
func (s *Scheduler) UnblockWithReturn(id ThreadID, x0, x1, x2 uint64) {
	t := s.Thread(id)
	if t == nil {
		return
	}
	t.PendingX0, t.PendingX1, t.PendingX2 = x0, x1, x2
	t.HasPendingReturn = true
	s.Unblock(id)
}

// TakePendingReturn consumes the return value UnblockWithReturn stashed
// for id, if any. The vector-table trampoline calls this for a thread it
// is about to resume, writing the result into that thread's x0/x1/x2
// instead of whatever the original syscall handler left there.
func (s *Scheduler) TakePendingReturn(id ThreadID) (x0, x1, x2 uint64, ok bool) {
	t := s.Thread(id)
	if t == nil || !t.HasPendingReturn {
		return 0, 0, 0, false
	}
	x0, x1, x2 = t.PendingX0, t.PendingX1, t.PendingX2
	t.HasPendingReturn = false
	return x0, x1, x2, true
}

// Tick decrements current's time slice for timer preemption (spec.md
// §4.4): on reaching zero it resets the slice and sets Reschedule. The
// actual re-enqueue/switch happens at exception return, not here — this
// mirrors the "deferred reschedule instead of in-handler switching"
// design note (spec.md §9).
func (s *Scheduler) Tick() {
	cur := s.Thread(s.current)
	if cur == nil || cur.TimeSlice == 0 {
		return
	}
	cur.TimeSlice--
	if cur.TimeSlice == 0 {
		cur.TimeSlice = config.TimeSlice(cur.Priority)
		s.Reschedule = true
	}
}

// PreemptReturn is called at exception return when Reschedule is set: if
// the interrupted thread is still Running, it is re-enqueued before
// Schedule picks the next thread (spec.md §4.4 preemption). Blocking
// syscalls instead leave current in a blocked_* state, so this function
// must not re-enqueue it.
func (s *Scheduler) PreemptReturn() ThreadID {
	if !s.Reschedule {
		return s.current
	}
	s.Reschedule = false
	cur := s.Thread(s.current)
	if cur != nil && cur.State == Running {
		s.enqueueReady(cur)
	}
	return s.Schedule()
}
