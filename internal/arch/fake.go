package arch

import "mlk-kernel/internal/addr"

// Fake is a host-testable Hardware implementation. It performs no real
// context switch (there is no second stack to jump to on the host); it
// only records the bookkeeping a test wants to assert, mirroring how the
// teacher's own test files (bitfield/*_test.go) exercise pure logic
// without hardware.
type Fake struct {
	TTBR0          uint64
	InterruptsOn   bool
	Halted         bool
	InvalidateAllN int
	InvalidatedVAs []addr.VirtAddr
	WFEEvents      int
	mmio           map[addr.PhysAddr]uint32
	lastSwitchFrom *CPUContext
	lastSwitchTo   *CPUContext
}

// NewFake returns a Fake with interrupts enabled, matching normal kernel
// execution (spec.md §5: "enabled during normal kernel execution").
func NewFake() *Fake {
	return &Fake{InterruptsOn: true, mmio: make(map[addr.PhysAddr]uint32)}
}

func (f *Fake) SwitchContext(prev, next *CPUContext) {
	f.lastSwitchFrom, f.lastSwitchTo = prev, next
}

func (f *Fake) FirstRunKernel(next *CPUContext, entry uintptr) {
	next.PC = uint64(entry)
}

func (f *Fake) FirstRunUser(next *CPUContext, entry, userSP addr.VirtAddr) {
	next.PC = uint64(entry)
	next.SP = uint64(userSP)
}

func (f *Fake) SetTTBR0(v uint64) { f.TTBR0 = v }

func (f *Fake) InvalidateTLBAll() { f.InvalidateAllN++ }

func (f *Fake) InvalidateTLBVA(va addr.VirtAddr) {
	f.InvalidatedVAs = append(f.InvalidatedVAs, va)
}

func (f *Fake) DisableInterrupts() { f.InterruptsOn = false }
func (f *Fake) EnableInterrupts()  { f.InterruptsOn = true }

func (f *Fake) MMIORead32(pa addr.PhysAddr) uint32  { return f.mmio[pa] }
func (f *Fake) MMIOWrite32(pa addr.PhysAddr, v uint32) { f.mmio[pa] = v }

func (f *Fake) DataSyncBarrier()        {}
func (f *Fake) InstructionSyncBarrier() {}

func (f *Fake) Halt() { f.Halted = true }

func (f *Fake) WaitForEvent() { f.WFEEvents++ }
