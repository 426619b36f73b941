package proc

import (
	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/config"
	"mlk-kernel/internal/kerrors"
	"mlk-kernel/internal/loader"
	"mlk-kernel/internal/mmu"
)

// KernelMapper installs the kernel's own code/data and the allowlisted
// device regions into a freshly created address space, so the kernel
// continues to resolve identically after TTBR0 is switched to it
// (spec.md §4.4 "create user process"). The kernel provides the actual
// mapper at boot; tests supply a stub.
type KernelMapper func(space *mmu.AddressSpace) bool

// ConfigureMemory wires the collaborators needed by CreateUserProcess and
// Cleanup: the physical frame allocator, the page-table view used to
// build new address spaces, a byte-level memory view used to copy in
// program code, the process-wide ASID pool, and the kernel-mapping
// callback. Scheduling alone (New, Schedule, Yield, ...) does not need
// these; only lifecycle operations do.
func (s *Scheduler) ConfigureMemory(frames mmu.FrameAllocator, view mmu.PageTableView, mem mmu.MemoryView, asids *mmu.ASIDPool, mapKernel KernelMapper) {
	s.frames = frames
	s.view = view
	s.mem = mem
	s.asids = asids
	s.mapKernel = mapKernel
}

// noFrame is the zero PhysAddr, the allocator's universal "exhausted"
// sentinel (internal/frame.NoFrame is the same value under the shared
// addr.PhysAddr type).
const noFrame addr.PhysAddr = 0

// unwind releases frames already allocated for a process that failed to
// come up fully, per spec.md §4.4 "any allocation failure during spawn
// unwinds all partial allocations before returning an error".
func (s *Scheduler) unwind(p *Process) {
	for i := range p.Regions {
		r := &p.Regions[i]
		if !r.InUse {
			continue
		}
		s.frames.FreePages(r.PhysBase, r.PageCount)
		r.InUse = false
	}
	if p.Space != nil {
		p.Space.Destroy()
		p.Space = nil
	}
	if p.hasASID {
		s.asids.Free(p.asid)
		p.hasASID = false
	}
}

// addRegion records a newly-allocated frame range in the process's
// memory-region ledger (spec.md §3 "exhaustive ledger ... used at
// cleanup to release them deterministically"). Returns false if the
// ledger is full.
func (p *Process) addRegion(base addr.PhysAddr, pages uint32) bool {
	for i := range p.Regions {
		if !p.Regions[i].InUse {
			p.Regions[i] = MemoryRegion{PhysBase: base, PageCount: pages, InUse: true}
			return true
		}
	}
	return false
}

// AddRegion records base/pages in pid's memory-region ledger, used by
// ALLOC_DMA to register a frame range for deferred cleanup (spec.md
// §4.6). Returns false if pid is unknown or the ledger is full.
func (s *Scheduler) AddRegion(pid ProcessID, base addr.PhysAddr, pages uint32) bool {
	p := s.Process(pid)
	if p == nil {
		return false
	}
	return p.addRegion(base, pages)
}

// CreateUserProcess implements spec.md §4.4 "create user process": it
// allocates a process slot and address space, identity-maps the kernel
// and devices into the new tree, copies img's code into freshly
// allocated frames mapped at the fixed user code base, allocates and
// maps a user stack, allocates a kernel stack for exception handling,
// and creates the main thread first-run-user at img's entry point. On
// any failure it unwinds everything it allocated and returns a
// non-Success code; no partially-constructed process becomes reachable.
func (s *Scheduler) CreateUserProcess(img loader.Image, priority Priority) (ProcessID, ThreadID, kerrors.Code) {
	pid, p := s.allocProcess()
	if p == nil {
		return NoProcess, NoThread, kerrors.NoMemory
	}

	asid := s.asids.Alloc()
	if asid == 0 {
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	p.hasASID = true
	p.asid = asid

	space := mmu.New(s.frames, s.view, s.hw, asid)
	if space == nil {
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	p.Space = space

	if s.mapKernel != nil && !s.mapKernel(space) {
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}

	codePages := img.PageCount(config.PageSize)
	codeBase := s.frames.AllocContiguous(codePages)
	if codeBase == noFrame {
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	if !p.addRegion(codeBase, codePages) {
		s.frames.FreePages(codeBase, codePages)
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	copyCodeInto(s.mem, codeBase, img.Code)
	for i := uint32(0); i < codePages; i++ {
		va := addr.VirtAddr(config.UserCodeBase + uint64(i)*config.PageSize)
		if !space.Map(va, codeBase+addr.PhysAddr(i)*config.PageSize, mmu.UserRX) {
			s.unwind(p)
			s.freeProcessSlot(p)
			return NoProcess, NoThread, kerrors.NoMemory
		}
	}

	stackBase := s.frames.AllocContiguous(config.UserStackPages)
	if stackBase == noFrame {
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	if !p.addRegion(stackBase, config.UserStackPages) {
		s.frames.FreePages(stackBase, config.UserStackPages)
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	stackTop := addr.VirtAddr(config.UserStackTop)
	for i := uint32(0); i < config.UserStackPages; i++ {
		va := addr.VirtAddr(uint64(stackTop) - uint64(i+1)*config.PageSize)
		if !space.Map(va, stackBase+addr.PhysAddr(i)*config.PageSize, mmu.UserRW) {
			s.unwind(p)
			s.freeProcessSlot(p)
			return NoProcess, NoThread, kerrors.NoMemory
		}
	}

	kstackBase := s.frames.AllocContiguous(config.KernelStackPages)
	if kstackBase == noFrame {
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	if !p.addRegion(kstackBase, config.KernelStackPages) {
		s.frames.FreePages(kstackBase, config.KernelStackPages)
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}

	tid, t := s.allocThread()
	if t == nil {
		s.unwind(p)
		s.freeProcessSlot(p)
		return NoProcess, NoThread, kerrors.NoMemory
	}
	t.Process = pid
	t.HasProcess = true
	t.Priority = priority
	t.TimeSlice = config.TimeSlice(priority)
	t.IsUser = true
	t.FirstRun = true
	t.State = Ready
	t.Context.PC = config.UserCodeBase + uint64(img.EntryOffset)
	t.Context.SP = uint64(stackTop)
	t.UserSP = stackTop
	t.KernelStackBase = kstackBase
	t.KernelSP = addr.VirtAddr(uint64(kstackBase) + uint64(config.KernelStackPages)*config.PageSize)

	p.ThreadCount = 1
	p.State = ProcRunning
	p.DeviceVANext = config.UserDeviceBase
	s.Enqueue(tid)

	return pid, tid, kerrors.Success
}

// Spawn is the syscall-level form of create-user-process: it looks img
// up in the registry, records parent linkage from the calling process,
// and otherwise defers to CreateUserProcess (spec.md §4.4).
func (s *Scheduler) Spawn(reg *loader.Registry, binaryID uint32, priority Priority, callerPID ProcessID) (ProcessID, kerrors.Code) {
	img, ok := reg.Lookup(binaryID)
	if !ok {
		return NoProcess, kerrors.NotFound
	}
	pid, _, code := s.CreateUserProcess(img, priority)
	if code != kerrors.Success {
		return NoProcess, code
	}
	if caller := s.Process(callerPID); caller != nil {
		child := s.Process(pid)
		child.ParentID = callerPID
		child.HasParent = true
	}
	return pid, kerrors.Success
}

// Exit implements spec.md §4.4: every thread of the process is marked
// dead, the process becomes zombie, its exit code is recorded, and any
// parent blocked in Wait on this child (or on any child) is unblocked.
// Reschedule is set because current, if it belongs to this process, can
// no longer run.
func (s *Scheduler) Exit(pid ProcessID, exitCode int32) {
	p := s.Process(pid)
	if p == nil || p.State != ProcRunning {
		return
	}
	for i := range s.threads {
		t := &s.threads[i]
		if t.inUse && t.HasProcess && t.Process == pid {
			t.State = Dead
		}
	}
	p.ExitCode = exitCode
	p.State = ProcZombie

	if p.HasParent {
		if parent := s.Process(p.ParentID); parent != nil && parent.HasWaiter {
			if parent.WaitAny || (parent.WaitTargetPID == pid) {
				waiter := parent.Waiter
				parent.HasWaiter = false
				// The waiter already evaluated "no zombie child yet" and
				// blocked; it will not re-run Wait's scan-and-reap on
				// resume, so Exit performs that reap itself before
				// waking it (spec.md §9 "the unblocking path ... is
				// responsible for writing the user-visible return").
				s.Cleanup(pid)
				s.UnblockWithReturn(waiter, uint64(pid), uint64(uint32(exitCode)), 0)
			}
		}
	}
	s.Reschedule = true
}

// Wait implements spec.md §4.4: it scans callerPID's children for a
// zombie matching targetPID (when hasTarget), reaps and returns the
// first match immediately, or else blocks the calling thread with state
// blocked_wait. Returns hasResult == false with kerrors.WouldBlock when
// the caller must block, and kerrors.NoChildren when the process has no
// children at all to wait on.
func (s *Scheduler) Wait(callerPID ProcessID, callerThread ThreadID, targetPID ProcessID, hasTarget bool) (pid ProcessID, exitCode int32, hasResult bool, code kerrors.Code) {
	hasChildren := false
	for i := range s.processes {
		c := &s.processes[i]
		if !c.inUse || !c.HasParent || c.ParentID != callerPID {
			continue
		}
		hasChildren = true
		if c.State != ProcZombie {
			continue
		}
		if hasTarget && c.ID != targetPID {
			continue
		}
		zpid, zcode := c.ID, c.ExitCode
		s.Cleanup(zpid)
		return zpid, zcode, true, kerrors.Success
	}
	if !hasChildren {
		return NoProcess, 0, false, kerrors.NoChildren
	}

	caller := s.Process(callerPID)
	if caller == nil {
		return NoProcess, 0, false, kerrors.InvalidArgument
	}
	caller.Waiter = callerThread
	caller.HasWaiter = true
	caller.WaitTargetPID = targetPID
	caller.WaitAny = !hasTarget
	s.Block(BlockedWait)
	return NoProcess, 0, false, kerrors.WouldBlock
}

// Cleanup implements spec.md §4.4: frees every tracked memory region,
// destroys the address space (page-table pages and the ASID), and
// clears the process slot for reuse. Dead threads belonging to the
// process are released back to the thread table as part of the same
// pass (spec.md §4.4 "dead threads are cleaned up when their owning
// process is reaped").
func (s *Scheduler) Cleanup(pid ProcessID) {
	p := s.Process(pid)
	if p == nil {
		return
	}
	for i := range p.Regions {
		r := &p.Regions[i]
		if r.InUse {
			s.frames.FreePages(r.PhysBase, r.PageCount)
			r.InUse = false
		}
	}
	if p.Space != nil {
		p.Space.Destroy()
		p.Space = nil
	}
	if p.hasASID {
		s.asids.Free(p.asid)
		p.hasASID = false
	}
	for i := range s.threads {
		t := &s.threads[i]
		if t.inUse && t.HasProcess && t.Process == pid {
			t.inUse = false
		}
	}
	p.State = ProcDead
	s.freeProcessSlot(p)
}

func (s *Scheduler) freeProcessSlot(p *Process) {
	p.inUse = false
}

// copyCodeInto writes code into freshly allocated physical frames
// starting at base, mirroring how the teacher's kalloc treats a freshly
// allocated frame as directly writable physical memory (spec.md §6:
// "only the bytes actually placed into a new address space are part of
// the core contract").
func copyCodeInto(mem mmu.MemoryView, base addr.PhysAddr, code []byte) {
	dst := mem.Bytes(base, len(code))
	copy(dst, code)
}
