// Package gic drives the GICv2 distributor and CPU interface on the
// QEMU virt machine and names the generic-timer interrupt line
// (TimerIRQ) that preemption ticks arrive on; it does not program the
// generic timer itself. Grounded on iansmith-mazarin's gic_qemu.go (register
// offsets, priority-mask/group/enable programming, IAR/EOIR handshake),
// adapted from that file's bare MMIO writes to route through
// internal/arch.Hardware so the driver is host-testable against a fake.
package gic

import (
	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/arch"
)

// Distributor and CPU-interface register offsets, GICv2 (spec.md §4.6 /
// §2 "Interrupt controller").
const (
	gicdCtlr       = 0x000
	gicdIgroupr    = 0x080
	gicdIsenabler  = 0x100
	gicdIcenabler  = 0x180
	gicdIcpendr    = 0x280
	gicdIpriorityr = 0x400
	gicdItargetsr  = 0x800
	gicdIcfgr      = 0xC00

	giccCtlr = 0x000
	giccPmr  = 0x004
	giccBpr  = 0x008
	giccIar  = 0x00C
	giccEoir = 0x010
)

// Interrupt ids this kernel cares about.
const (
	TimerIRQ = 27 // ARM generic timer, virtual timer PPI (EL1)
	UARTIRQ  = 33
)

// Spurious is the interrupt id GICC_IAR returns when no interrupt is
// pending; acknowledging it must never dispatch a handler.
const Spurious = 1023

// Controller drives one GICv2 distributor + CPU interface pair.
type Controller struct {
	hw       arch.Hardware
	distBase addr.PhysAddr
	cpuBase  addr.PhysAddr
}

// New returns a controller for the distributor at distBase; the CPU
// interface sits at the architected +0x10000 offset (spec.md's QEMU
// virt memory map).
func New(hw arch.Hardware, distBase addr.PhysAddr) *Controller {
	return &Controller{hw: hw, distBase: distBase, cpuBase: distBase + 0x10000}
}

func (c *Controller) dw(off uint64, v uint32) { c.hw.MMIOWrite32(c.distBase+addr.PhysAddr(off), v) }
func (c *Controller) cw(off uint64, v uint32) { c.hw.MMIOWrite32(c.cpuBase+addr.PhysAddr(off), v) }
func (c *Controller) cr(off uint64) uint32    { return c.hw.MMIORead32(c.cpuBase + addr.PhysAddr(off)) }

// Init disables both interfaces, clears all pending SPIs/PPIs, routes
// every interrupt to group 0 and CPU 0 at medium priority, configures
// level-triggered mode, and re-enables the distributor and CPU interface
// with the priority mask open (spec.md §4.6 init sequence).
func (c *Controller) Init() {
	c.dw(gicdCtlr, 0)
	c.cw(giccCtlr, 0)
	c.cw(giccPmr, 0xFF)
	c.cw(giccBpr, 0)

	for i := uint64(0); i < 32; i++ {
		c.dw(gicdIcpendr+i*4, 0xFFFFFFFF)
		c.dw(gicdIgroupr+i*4, 0)
	}
	for i := uint64(0); i < 256; i++ {
		c.dw(gicdIpriorityr+i*4, 0x80808080)
		c.dw(gicdItargetsr+i*4, 0x01010101)
	}
	for i := uint64(0); i < 64; i++ {
		c.dw(gicdIcfgr+i*4, 0)
	}

	c.dw(gicdCtlr, 1)
	c.cw(giccCtlr, 1)
}

// Enable unmasks irq at the distributor.
func (c *Controller) Enable(irq uint32) {
	c.dw(gicdIsenabler+uint64(irq/32)*4, 1<<(irq%32))
}

// Disable masks irq at the distributor.
func (c *Controller) Disable(irq uint32) {
	c.dw(gicdIcenabler+uint64(irq/32)*4, 1<<(irq%32))
}

// Acknowledge reads GICC_IAR, returning the pending interrupt id (or
// Spurious if none is pending).
func (c *Controller) Acknowledge() uint32 {
	return c.cr(giccIar) & 0x3FF
}

// EndOfInterrupt writes irq back to GICC_EOIR, completing the handshake
// for that interrupt.
func (c *Controller) EndOfInterrupt(irq uint32) {
	c.cw(giccEoir, irq)
}
