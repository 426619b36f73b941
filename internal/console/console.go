// Package console implements the kernel side of the PL011 UART: a
// polling byte writer backing the WRITE(40)/READ(41) syscalls and the
// DEBUG_PRINT(100) syscall and panic banner. Grounded on
// iansmith-mazarin's uart_qemu.go (QEMU_UART_DR/FR offsets, FIFO-full
// polling before each write), trimmed to the polling path only: the
// ring-buffer/interrupt-driven transmit path there belongs to the
// platform bring-up ceremony spec.md places out of scope, not to the
// syscall-level console contract this package serves.
package console

import (
	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/arch"
)

// PL011 register offsets from the UART base (spec.md §4.6 device
// allowlist: "PL011 UART").
const (
	regDR   = 0x00 // data register
	regFR   = 0x18 // flag register
	regLCRH = 0x2C
	regCR   = 0x30

	frTXFF = 1 << 5 // transmit FIFO full
	frRXFE = 1 << 4 // receive FIFO empty
)

// UART is a single PL011 instance addressed through arch.Hardware.
type UART struct {
	hw   arch.Hardware
	base addr.PhysAddr
}

// New returns a UART driver for the device at base (spec.md's QEMU
// virt PL011 base, 0x09000000).
func New(hw arch.Hardware, base addr.PhysAddr) *UART {
	return &UART{hw: hw, base: base}
}

func (u *UART) reg(off uint64) addr.PhysAddr { return u.base + addr.PhysAddr(off) }

// Init programs a conservative 8N1 line configuration and enables the
// UART, TX, and RX (the exact baud divisor is left to the platform's
// firmware-provided defaults; this only ensures CR has UARTEN/TXE/RXE
// set).
func (u *UART) Init() {
	u.hw.MMIOWrite32(u.reg(regLCRH), 0x70) // 8 bits, FIFOs enabled
	u.hw.MMIOWrite32(u.reg(regCR), 0x301)  // UARTEN | TXE | RXE
}

// PutByte blocks until the transmit FIFO has space, then writes c.
func (u *UART) PutByte(c byte) {
	for u.hw.MMIORead32(u.reg(regFR))&frTXFF != 0 {
	}
	u.hw.MMIOWrite32(u.reg(regDR), uint32(c))
}

// WriteString writes every byte of s, translating '\n' to "\r\n" so a
// plain terminal renders lines correctly.
func (u *UART) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			u.PutByte('\r')
		}
		u.PutByte(s[i])
	}
}

// Write writes data verbatim, with no newline translation, backing the
// WRITE(40) syscall (spec.md's hello-round-trip scenario requires the
// exact byte count requested, not an expanded "\r\n" form).
func (u *UART) Write(data []byte) {
	for _, c := range data {
		u.PutByte(c)
	}
}

// Read drains up to len(buf) already-available bytes into buf without
// blocking, backing the READ(41) syscall, and returns the count read.
func (u *UART) Read(buf []byte) int {
	n := 0
	for n < len(buf) && u.RXReady() {
		buf[n] = u.GetByte()
		n++
	}
	return n
}

// GetByte blocks until the receive FIFO has data, then returns it.
func (u *UART) GetByte() byte {
	for u.hw.MMIORead32(u.reg(regFR))&frRXFE != 0 {
	}
	return byte(u.hw.MMIORead32(u.reg(regDR)))
}

// RXReady reports whether a byte is available without blocking, used by
// READ(41) to implement a non-blocking poll.
func (u *UART) RXReady() bool {
	return u.hw.MMIORead32(u.reg(regFR))&frRXFE == 0
}
