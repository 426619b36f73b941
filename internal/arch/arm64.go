//go:build arm64

package arch

import (
	"unsafe"

	"mlk-kernel/internal/addr"
)

// ARM64 is the real Hardware backend. Each method is a thin wrapper over
// an assembly primitive declared below as a bodyless Go function with its
// definition in context_arm64.s, in the same idiom as the teacher's
// spinlock.go (sync_test_and_set / sync_release / sync_barrier) pairing
// a Go declaration with a hand-written .s routine, generalized to the
// fuller ARMv8-A register surface this kernel needs (TTBR, TLBI, DAIF,
// barriers, eret).
type ARM64 struct{}

// New returns the production Hardware backend.
func New() Hardware { return ARM64{} }

// Bodies for these live in context_arm64.s, assembled into the same
// package — the `·name` TEXT prefix already resolves to
// mlk-kernel/internal/arch.name, so no go:linkname is needed (or
// correct) here.
func asmSwitchContext(prev, next *CPUContext)
func asmFirstRunKernel(next *CPUContext, entry uintptr)
func asmFirstRunUser(next *CPUContext, entry, userSP uint64)
func asmSetTTBR0(v uint64)
func asmInvalidateTLBAll()
func asmInvalidateTLBVA(va uint64)
func asmDisableIRQ()
func asmEnableIRQ()
func asmDSB()
func asmISB()
func asmWFE()

func (ARM64) SwitchContext(prev, next *CPUContext) { asmSwitchContext(prev, next) }

func (ARM64) FirstRunKernel(next *CPUContext, entry uintptr) {
	asmFirstRunKernel(next, entry)
}

func (ARM64) FirstRunUser(next *CPUContext, entry, userSP addr.VirtAddr) {
	asmFirstRunUser(next, uint64(entry), uint64(userSP))
}

func (ARM64) SetTTBR0(v uint64) {
	asmSetTTBR0(v)
	asmISB()
}

func (ARM64) InvalidateTLBAll() {
	asmInvalidateTLBAll()
	asmDSB()
	asmISB()
}

func (ARM64) InvalidateTLBVA(va addr.VirtAddr) {
	asmInvalidateTLBVA(uint64(va))
	asmDSB()
	asmISB()
}

func (ARM64) DisableInterrupts() { asmDisableIRQ() }
func (ARM64) EnableInterrupts()  { asmEnableIRQ() }

func (ARM64) MMIORead32(pa addr.PhysAddr) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(pa)))
}

func (ARM64) MMIOWrite32(pa addr.PhysAddr, v uint32) {
	*(*uint32)(unsafe.Pointer(uintptr(pa))) = v
}

func (ARM64) DataSyncBarrier()        { asmDSB() }
func (ARM64) InstructionSyncBarrier() { asmISB() }

func (ARM64) Halt() {
	asmDisableIRQ()
	for {
		asmWFE()
	}
}

func (ARM64) WaitForEvent() { asmWFE() }
