package trap

import (
	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/config"
	"mlk-kernel/internal/console"
	"mlk-kernel/internal/ipc"
	"mlk-kernel/internal/kerrors"
	"mlk-kernel/internal/loader"
	"mlk-kernel/internal/mmu"
	"mlk-kernel/internal/platform"
	"mlk-kernel/internal/proc"
)

// Dispatcher wires the syscall switch to its collaborators: the process/
// thread scheduler, the IPC endpoint table, the binary registry SPAWN
// consults, the console backing WRITE/READ/DEBUG_PRINT, and the frame
// allocator + memory view MAP_DEVICE/ALLOC_DMA need to install new
// mappings. Exactly one Dispatcher exists per kernel image; tests build
// their own with fakes standing in for UART/frames.
type Dispatcher struct {
	Sched    *proc.Scheduler
	Ports    *ipc.Table
	Registry *loader.Registry
	UART     *console.UART
	Frames   mmu.FrameAllocator
	Mem      mmu.MemoryView

	Ticks uint64
}

// Dispatch reads f's syscall number and argument registers, runs the
// matching handler, and writes its result into f.X[0] (and, for a few
// multi-value syscalls, f.X[1]/f.X[2]) — unless the calling thread
// blocks, in which case the frame is left untouched, per spec.md §9's
// "blocked-syscall return value" sentinel: the eventual unblocking path
// stashes the return value with proc.Scheduler.UnblockWithReturn, to be
// collected through proc.Scheduler.TakePendingReturn.
func (d *Dispatcher) Dispatch(f *SyscallFrame) {
	self := d.Sched.CurrentThread()
	if self == nil {
		f.setReturn(kerrors.InvalidSyscall)
		return
	}
	tid := self.ID

	switch f.Num() {
	case Exit:
		d.exit(self, int32(f.Arg(0)))
		// the thread is now dead and never resumes; nothing to write.

	case Yield:
		d.Sched.Yield()
		f.setReturn(kerrors.Success)

	case GetPID:
		if !self.HasProcess {
			f.setReturn(kerrors.NoPermission)
			break
		}
		f.X[0] = uint64(self.Process)

	case GetTID:
		f.X[0] = uint64(tid)

	case GetPPID:
		d.getPPID(self, f)

	case Spawn:
		d.spawn(self, f)

	case Wait:
		d.wait(self, tid, f)

	case Send:
		d.send(self, tid, f)

	case Recv:
		d.recv(tid, f)

	case Call:
		d.call(self, tid, f)

	case Reply:
		d.reply(f)

	case PortCreate:
		id, ok := d.Ports.Create(ipc.ThreadID(tid))
		if !ok {
			f.setReturn(kerrors.NoMemory)
			break
		}
		f.X[0] = uint64(id)

	case PortDestroy:
		if !d.Ports.Destroy(ipc.EndpointID(f.Arg(0))) {
			f.setReturn(kerrors.NotFound)
			break
		}
		f.setReturn(kerrors.Success)

	case MapDevice:
		d.mapDevice(self, f)

	case AllocDMA:
		d.allocDMA(self, f)

	case GetPhys:
		d.getPhys(self, f)

	case Write:
		d.write(self, f)

	case Read:
		d.read(self, f)

	case DebugPrint:
		d.write(self, f)

	case GetTicks:
		f.X[0] = d.Ticks

	default:
		f.setReturn(kerrors.InvalidSyscall)
	}
}

func (d *Dispatcher) exit(self *proc.Thread, code int32) {
	pid := proc.NoProcess
	if self.HasProcess {
		pid = self.Process
	}
	d.Sched.Exit(pid, code)
}

func (d *Dispatcher) getPPID(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	p := d.Sched.Process(self.Process)
	if p == nil || !p.HasParent {
		f.setReturn(kerrors.NotFound)
		return
	}
	f.X[0] = uint64(p.ParentID)
}

func (d *Dispatcher) spawn(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	pid, code := d.Sched.Spawn(d.Registry, uint32(f.Arg(0)), proc.Priority(f.Arg(1)), self.Process)
	if code != kerrors.Success {
		f.setReturn(code)
		return
	}
	f.X[0] = uint64(pid)
}

// wait implements WAIT(target_pid, -1 == any) -> (pid, exit_code) in
// (x0, x1), per spec.md §8 scenario S1. A blocking wait leaves f
// untouched; Exit's wake path supplies the eventual pending return.
func (d *Dispatcher) wait(self *proc.Thread, tid proc.ThreadID, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	target := int64(f.Arg(0))
	hasTarget := target >= 0
	pid, exitCode, hasResult, code := d.Sched.Wait(self.Process, tid, proc.ProcessID(target), hasTarget)
	if code == kerrors.WouldBlock {
		return
	}
	if code != kerrors.Success {
		f.setReturn(code)
		return
	}
	f.X[0] = uint64(pid)
	f.X[1] = uint64(uint32(exitCode))
	_ = hasResult
}

// send implements SEND(endpoint, op, arg0, arg1) -> 0 once the message
// is accepted (spec.md §8 scenario S2). If a receiver is already
// waiting, delivery is immediate and that receiver's pending return is
// filled in right here; otherwise the caller blocks until some future
// RECV dequeues it.
func (d *Dispatcher) send(self *proc.Thread, tid proc.ThreadID, f *SyscallFrame) {
	ep := d.Ports.Get(ipc.EndpointID(f.Arg(0)))
	if ep == nil {
		f.setReturn(kerrors.InvalidPort)
		return
	}
	msg := ipc.Message{Op: uint32(f.Arg(1)), Arg: [4]uint64{f.Arg(2), f.Arg(3)}}
	woke, hasWoke, blocked, code := ep.Send(ipc.ThreadID(tid), msg)
	if code != kerrors.Success {
		f.setReturn(code)
		return
	}
	if hasWoke {
		d.Sched.UnblockWithReturn(proc.ThreadID(woke), uint64(msg.Op), msg.Arg[0], msg.Arg[1])
	}
	if blocked {
		d.Sched.Block(proc.BlockedIPC)
		return
	}
	f.setReturn(kerrors.Success)
}

// recv implements RECV(endpoint) -> (op, arg0, arg1) in (x0, x1, x2),
// notification-first (spec.md §8 scenario S2, §9 open question 2).
// Dequeuing a blocked sender also completes that sender's SEND by
// supplying its pending return value, and registers the sender as the
// endpoint's next receiver so a later REPLY can find it (spec.md §9
// open question 3).
func (d *Dispatcher) recv(tid proc.ThreadID, f *SyscallFrame) {
	ep := d.Ports.Get(ipc.EndpointID(f.Arg(0)))
	if ep == nil {
		f.setReturn(kerrors.InvalidPort)
		return
	}
	msg, isNotify, blocked, woke, hasWoke, code := ep.Receive(ipc.ThreadID(tid))
	if code != kerrors.Success {
		f.setReturn(code)
		return
	}
	if blocked {
		d.Sched.Block(proc.BlockedIPC)
		return
	}
	if hasWoke {
		d.Sched.UnblockWithReturn(proc.ThreadID(woke), uint64(kerrors.Success.Int64()), 0, 0)
		ep.AwaitReply(woke)
	}
	if isNotify {
		f.X[0], f.X[1], f.X[2] = 0, msg.Badge, 0
		return
	}
	f.X[0], f.X[1], f.X[2] = uint64(msg.Op), msg.Arg[0], msg.Arg[1]
}

// call implements CALL(endpoint, op, arg0, arg1): a SEND whose caller
// then also awaits a REPLY (spec.md §9 open question 3). When a receiver
// is already waiting, the message is handed off, the caller is
// registered as the endpoint's receiver with AwaitReply, and it stays
// blocked until a REPLY reaches it. A CALL whose message queues behind
// other senders blocks like a plain SEND; the RECV that later dequeues
// it registers it for a reply but also completes it with SEND's 0
// return, so such a CALL returns without waiting for the REPLY.
func (d *Dispatcher) call(self *proc.Thread, tid proc.ThreadID, f *SyscallFrame) {
	ep := d.Ports.Get(ipc.EndpointID(f.Arg(0)))
	if ep == nil {
		f.setReturn(kerrors.InvalidPort)
		return
	}
	msg := ipc.Message{Op: uint32(f.Arg(1)), Arg: [4]uint64{f.Arg(2), f.Arg(3)}}
	woke, hasWoke, blocked, code := ep.Send(ipc.ThreadID(tid), msg)
	if code != kerrors.Success {
		f.setReturn(code)
		return
	}
	if hasWoke {
		d.Sched.UnblockWithReturn(proc.ThreadID(woke), uint64(msg.Op), msg.Arg[0], msg.Arg[1])
		ep.AwaitReply(ipc.ThreadID(tid))
	}
	d.Sched.Block(proc.BlockedIPC)
	_ = blocked
	_ = self
}

// reply implements REPLY(endpoint, target_tid, op, arg0): delivers
// (op, arg0) to target_tid if it is currently the endpoint's registered
// receiver, silently dropping otherwise (spec.md §9 open question 3).
func (d *Dispatcher) reply(f *SyscallFrame) {
	ep := d.Ports.Get(ipc.EndpointID(f.Arg(0)))
	if ep == nil {
		f.setReturn(kerrors.InvalidPort)
		return
	}
	target := proc.ThreadID(f.Arg(1))
	msg := ipc.Message{Op: uint32(f.Arg(2)), Arg: [4]uint64{f.Arg(3)}}
	delivered, code := ep.Reply(ipc.ThreadID(target), msg)
	if code != kerrors.Success {
		f.setReturn(code)
		return
	}
	if delivered {
		d.Sched.UnblockWithReturn(target, uint64(msg.Op), msg.Arg[0], 0)
	}
	f.setReturn(kerrors.Success)
}

// pageCount rounds length up to a whole number of pages.
func pageCount(length uint64) uint32 {
	n := length / config.PageSize
	if length%config.PageSize != 0 {
		n++
	}
	return uint32(n)
}

// mapDevice implements MAP_DEVICE(phys_base, length) -> virtual base in
// x0, refusing any range not wholly inside the static allowlist (spec.md
// §4.6/§6).
func (d *Dispatcher) mapDevice(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	p := d.Sched.Process(self.Process)
	physBase := addr.PhysAddr(f.Arg(0))
	length := f.Arg(1)
	if uint64(physBase)%config.PageSize != 0 || length == 0 {
		f.setReturn(kerrors.InvalidArgument)
		return
	}
	if !platform.Allowed(physBase, length) {
		f.setReturn(kerrors.NoPermission)
		return
	}
	pages := pageCount(length)
	va := addr.VirtAddr(p.DeviceVANext)
	for i := uint32(0); i < pages; i++ {
		pageVA := addr.VirtAddr(uint64(va) + uint64(i)*config.PageSize)
		pagePA := physBase + addr.PhysAddr(i)*config.PageSize
		if !p.Space.Map(pageVA, pagePA, mmu.DeviceRW) {
			f.setReturn(kerrors.NoMemory)
			return
		}
	}
	p.DeviceVANext += uint64(pages) * config.PageSize
	f.X[0] = uint64(va)
}

// allocDMA implements ALLOC_DMA(page_count) -> (virtual, physical) in
// (x0, x1): physically-contiguous frames mapped as non-cacheable
// inner-shareable user memory, recorded in the caller's region ledger
// for deferred cleanup (spec.md §4.6).
func (d *Dispatcher) allocDMA(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	p := d.Sched.Process(self.Process)
	pages := uint32(f.Arg(0))
	if pages == 0 {
		f.setReturn(kerrors.InvalidArgument)
		return
	}
	phys := d.Frames.AllocContiguous(pages)
	if phys == 0 {
		f.setReturn(kerrors.NoMemory)
		return
	}
	if !d.Sched.AddRegion(self.Process, phys, pages) {
		d.Frames.FreePages(phys, pages)
		f.setReturn(kerrors.NoMemory)
		return
	}
	va := addr.VirtAddr(p.DeviceVANext)
	for i := uint32(0); i < pages; i++ {
		pageVA := addr.VirtAddr(uint64(va) + uint64(i)*config.PageSize)
		pagePA := phys + addr.PhysAddr(i)*config.PageSize
		if !p.Space.Map(pageVA, pagePA, mmu.UserDMA) {
			f.setReturn(kerrors.NoMemory)
			return
		}
	}
	p.DeviceVANext += uint64(pages) * config.PageSize
	f.X[0] = uint64(va)
	f.X[1] = uint64(phys)
}

// getPhys implements GET_PHYS(virt) -> physical address, or NOT_FOUND
// if virt has no valid leaf mapping in the caller's address space.
func (d *Dispatcher) getPhys(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	p := d.Sched.Process(self.Process)
	pa, ok := p.Space.Translate(addr.VirtAddr(f.Arg(0)))
	if !ok {
		f.setReturn(kerrors.NotFound)
		return
	}
	f.X[0] = uint64(pa)
}

// write implements WRITE(addr, len) and DEBUG_PRINT(addr, len): copies
// len bytes out of the caller's address space and writes them verbatim
// to the console (spec.md §8 scenario S1).
func (d *Dispatcher) write(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	p := d.Sched.Process(self.Process)
	data, ok := readUser(d.Mem, p.Space, addr.VirtAddr(f.Arg(0)), int(f.Arg(1)))
	if !ok {
		f.setReturn(kerrors.InvalidArgument)
		return
	}
	d.UART.Write(data)
	f.X[0] = uint64(len(data))
}

// read implements READ(addr, maxlen): drains up to maxlen already
// available bytes into the caller's buffer without blocking, returning
// the count actually read.
func (d *Dispatcher) read(self *proc.Thread, f *SyscallFrame) {
	if !self.HasProcess {
		f.setReturn(kerrors.NoPermission)
		return
	}
	p := d.Sched.Process(self.Process)
	maxlen := int(f.Arg(1))
	buf := make([]byte, maxlen)
	n := d.UART.Read(buf)
	if !writeUser(d.Mem, p.Space, addr.VirtAddr(f.Arg(0)), buf[:n]) {
		f.setReturn(kerrors.InvalidArgument)
		return
	}
	f.X[0] = uint64(n)
}
