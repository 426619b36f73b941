// Package main is the kernel image entry point. KMain brings up every
// subsystem in dependency order and hands control to the scheduler;
// KernelSyscall, KernelFault and KernelIRQ are the three C-ABI entry points a hand-written
// arm64 vector-table trampoline calls into (spec.md §4.6: the trampoline
// itself — register save/restore, ELR/SPSR, eret — is assembly, not Go).
// Grounded on the teacher's main.go KMain (linear init steps each printed
// as "step...OK"), generalized from a single freelist+pagetable+spinlock
// demo to the full frame/mmu/proc/ipc/trap subsystem this kernel needs.
package main

import (
	"reflect"
	_ "unsafe"

	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/arch"
	"mlk-kernel/internal/config"
	"mlk-kernel/internal/console"
	"mlk-kernel/internal/frame"
	"mlk-kernel/internal/gic"
	"mlk-kernel/internal/ipc"
	"mlk-kernel/internal/klog"
	"mlk-kernel/internal/loader"
	"mlk-kernel/internal/mmu"
	"mlk-kernel/internal/platform"
	"mlk-kernel/internal/proc"
	"mlk-kernel/internal/trap"
)

// kernelImageEnd is provided by the linker script, mirroring the
// teacher's get_end/get_etext linknamed symbols: everything from here to
// the top of RAM is available to the frame allocator.
//
//go:linkname kernelImageEnd kernel_image_end
func kernelImageEnd() uintptr

// ramTop is the QEMU virt machine's default RAM extent for a 128MB
// -m allocation (spec.md's target platform); a real boot reads this from
// the DTB instead, which this kernel's bring-up ceremony is out of scope
// for building (spec.md Non-goals).
const ramTop = 0x48000000

var (
	hw         arch.Hardware
	sched      *proc.Scheduler
	dispatcher *trap.Dispatcher
	gicCtl     *gic.Controller
	log        *klog.Logger
)

// buildKernelMapper returns the proc.KernelMapper every freshly created
// address space runs through before it becomes reachable (spec.md §4.4):
// it identity-maps the kernel image (so the kernel keeps resolving once
// TTBR0 switches away from the boot tables) and the UART, so klog and the
// console driver never fault mid-syscall regardless of which process is
// current.
func buildKernelMapper(kernelBase, kernelEnd addr.PhysAddr) proc.KernelMapper {
	return func(space *mmu.AddressSpace) bool {
		for pa := kernelBase; pa < kernelEnd; pa += config.PageSize {
			if !space.Map(addr.VirtAddr(pa), pa, mmu.KernelRWX) {
				return false
			}
		}
		if !space.Map(addr.VirtAddr(platform.UARTBase), platform.UARTBase, mmu.DeviceRW) {
			return false
		}
		return true
	}
}

func KMain() {
	hw = arch.New()
	bootUART := console.New(hw, platform.UARTBase)
	bootUART.Init()
	log = klog.New(bootUART)

	log.Info("frame allocator... ")
	base := addr.PhysAddr(kernelImageEnd())
	frames := frame.New(base, uint32((uint64(ramTop)-uint64(base))/config.PageSize))
	if frames == nil {
		log.Fault("frame allocator init failed")
		hw.Halt()
	}
	log.Info("OK")

	log.Info("mmu... ")
	view := mmu.IdentityView{}
	asids := mmu.NewASIDPool()
	log.Info("OK")

	log.Info("scheduler... ")
	sched = proc.New(hw)
	sched.ConfigureMemory(frames, view, view, asids, buildKernelMapper(base, addr.PhysAddr(ramTop)))
	log.Info("OK")

	log.Info("ipc table... ")
	ports := ipc.NewTable()
	ports.SetLivenessChecker(func(tid ipc.ThreadID) bool {
		return sched.ThreadAlive(proc.ThreadID(tid))
	})
	log.Info("OK")

	log.Info("binary registry... ")
	registry, err := loader.NewRegistry(manifest)
	if err != nil {
		log.Fault("registry init failed: " + err.Error())
		hw.Halt()
	}
	log.Info("OK")

	log.Info("gic... ")
	gicCtl = gic.New(hw, platform.GICDistributorBase)
	gicCtl.Init()
	gicCtl.Enable(gic.TimerIRQ)
	log.Info("OK")

	dispatcher = &trap.Dispatcher{
		Sched:    sched,
		Ports:    ports,
		Registry: registry,
		UART:     bootUART,
		Frames:   frames,
		Mem:      view,
	}

	if img, ok := registry.Lookup(0); ok {
		log.Info("spawning init process (binary 0)... ")
		if _, _, code := sched.CreateUserProcess(img, config.PriorityNormal); code != 0 {
			log.Fault("init spawn failed: " + code.String())
			hw.Halt()
		}
		log.Info("OK")
	} else {
		log.Warn("no binary id 0 in the registry; booting with no init process")
	}

	log.Info("idle thread... ")
	idleStack := frames.AllocContiguous(config.KernelStackPages)
	if idleStack == frame.NoFrame {
		log.Fault("idle stack allocation failed")
		hw.Halt()
	}
	idleStackTop := addr.VirtAddr(uint64(idleStack) + uint64(config.KernelStackPages)*config.PageSize)
	idleEntry := reflect.ValueOf(idleLoop).Pointer()
	idleID := sched.CreateIdleThread(idleEntry, idleStackTop)
	if idleID == proc.NoThread {
		log.Fault("idle thread allocation failed")
		hw.Halt()
	}
	sched.SetIdleThread(idleID)
	log.Info("OK")

	sched.Schedule()

	for {
		hw.Halt()
	}
}

// KernelSyscall is the synchronous exception entry point: the vector
// trampoline builds f from the trapped register file and calls this
// after establishing a kernel stack (spec.md §4.6).
//
//export KernelSyscall
func KernelSyscall(f *trap.SyscallFrame) {
	dispatcher.Dispatch(f)
	if sched.Reschedule {
		sched.PreemptReturn()
	}
}

// KernelFault is the synchronous-exception entry point for everything
// that isn't an SVC: the vector trampoline passes through ESR_EL1,
// ELR_EL1, FAR_EL1, and SPSR_EL1 exactly as read, and HandleFault
// classifies the trap into a process termination or a fatal halt
// (spec.md §4.4/§7).
//
//export KernelFault
func KernelFault(esr, elr, far, spsr uint64) {
	dispatcher.HandleFault(trap.FaultRecord{ESR: esr, ELR: elr, FAR: far, SPSR: spsr}, log, func() {
		hw.DisableInterrupts()
		hw.Halt()
	})
	if sched.Reschedule {
		sched.PreemptReturn()
	}
}

// KernelIRQ is the asynchronous IRQ entry point: the vector trampoline
// calls this for every EL0/EL1 IRQ exception, and this acknowledges the
// interrupt at the GIC, dispatches the one source this kernel acts on
// (the generic timer tick), and lets the deferred-reschedule flag decide
// whether to switch threads before returning (spec.md §4.4/§4.6).
//
//export KernelIRQ
func KernelIRQ() {
	irq := gicCtl.Acknowledge()
	if irq == gic.Spurious {
		return
	}
	if irq == gic.TimerIRQ {
		sched.Tick()
	}
	gicCtl.EndOfInterrupt(irq)
	if sched.Reschedule {
		sched.PreemptReturn()
	}
}

// idleLoop is the body of the kernel idle thread Schedule falls back to
// when every ready queue is empty (spec.md §4.4). Unlike a fatal Halt,
// it leaves interrupts enabled so a pending timer tick still reaches
// KernelIRQ and preempts it.
func idleLoop() {
	for {
		hw.WaitForEvent()
	}
}

func main() {}
