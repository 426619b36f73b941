// Package arch isolates the ARM64-specific register, barrier, and MMIO
// primitives behind a small interface, so everything above it — the
// scheduler, the syscall dispatcher, the console writer — is plain,
// host-testable Go. The real backend (build-tagged arm64) is hand-written
// assembly (context_arm64.s) paired with bodyless Go declarations in the
// same package, in the spirit of the teacher's spinlock.go
// (sync_test_and_set/sync_release/sync_barrier) but without that file's
// go:linkname — same-package `TEXT ·name(SB)` bodies need none — and
// generalized to the fuller register surface ARMv8-A exposes; the fake
// backend used by tests is a plain Go struct.
package arch

import "mlk-kernel/internal/addr"

// CPUContext holds the callee-saved register set, stack pointer, and
// return address a context switch preserves (spec.md §4.3): x19-x29,
// link register, SP, PC.
type CPUContext struct {
	X    [11]uint64 // x19..x29
	LR   uint64
	SP   uint64
	PC   uint64
}

// Hardware is the seam between portable kernel logic and real ARM64
// state. Exactly one implementation is linked into the final binary: the
// arm64 backend for the kernel image, or a fake for `go test`.
type Hardware interface {
	// SwitchContext saves the caller's context into prev and restores
	// next's, resuming at next's saved PC/SP/LR (spec.md §4.3 "Resume").
	SwitchContext(prev, next *CPUContext)

	// FirstRunKernel restores next's SP and jumps to entry directly,
	// used the first time a kernel thread runs (spec.md §4.3).
	FirstRunKernel(next *CPUContext, entry uintptr)

	// FirstRunUser drops to EL0 at entry with userSP loaded into
	// SP_EL0, SPSR_EL1 set to EL0t with interrupts enabled, and all
	// user-visible registers cleared, then issues eret. One-way: the
	// only path back to the kernel is a subsequent exception.
	FirstRunUser(next *CPUContext, entry, userSP addr.VirtAddr)

	// SetTTBR0 installs root|(asid<<48) into TTBR0_EL1 for the address
	// space about to run in user mode (spec.md §4.4 "Address-space
	// switching").
	SetTTBR0(ttbrValue uint64)

	// InvalidateTLBAll issues a broadcast TLB invalidate followed by
	// dsb ish; isb (spec.md §5).
	InvalidateTLBAll()

	// InvalidateTLBVA invalidates the TLB entry for a single virtual
	// address, used by Unmap (spec.md §4.2).
	InvalidateTLBVA(va addr.VirtAddr)

	// DisableInterrupts / EnableInterrupts mask/unmask IRQs at the PE,
	// used around vector-table and MMU register updates (spec.md §5).
	DisableInterrupts()
	EnableInterrupts()

	// MMIORead32 / MMIOWrite32 access a device register, framed with
	// the appropriate barriers by the caller.
	MMIORead32(pa addr.PhysAddr) uint32
	MMIOWrite32(pa addr.PhysAddr, v uint32)

	// DataSyncBarrier / InstructionSyncBarrier are dsb/isb.
	DataSyncBarrier()
	InstructionSyncBarrier()

	// Halt disables interrupts and spins in a low-power wfe loop forever;
	// used after a fatal panic.
	Halt()

	// WaitForEvent executes a single low-power wait-for-event without
	// touching the interrupt mask, used by the idle thread's loop body
	// (spec.md §4.4 "falls back to idle when every ready queue is
	// empty") so a pending timer tick still reaches KernelIRQ.
	WaitForEvent()
}
