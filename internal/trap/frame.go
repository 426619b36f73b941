// Package trap implements the syscall dispatcher of spec.md §4.6: it
// reads a syscall number and argument registers out of a SyscallFrame,
// switches on it, and drives internal/proc and internal/ipc to produce a
// return value (or leaves the frame untouched when the calling thread
// must block). No teacher file has a syscall layer at all (the retrieved
// xv6-in-go slice's Kerneltrap only handles a timer interrupt and an
// unconditional panic on anything else); the dispatch switch itself is
// grounded directly on spec.md's syscall surface table, written in that
// same file's plain top-level-switch style.
package trap

import "mlk-kernel/internal/kerrors"

// Syscall numbers, the authoritative table of spec.md §4.6/§6.
const (
	Exit    = 0
	Yield   = 1
	GetPID  = 2
	GetTID  = 3
	Spawn   = 4
	Wait    = 5
	GetPPID = 6

	Send  = 10
	Recv  = 11
	Call  = 12
	Reply = 13

	PortCreate  = 20
	PortDestroy = 21

	MapDevice = 32
	AllocDMA  = 33
	GetPhys   = 34

	Write = 40
	Read  = 41

	DebugPrint = 100
	GetTicks   = 101
)

// SyscallFrame is the register frame a vector-table trampoline builds on
// entry and restores on exit (spec.md §4.6). Only the fields the
// dispatcher reads or writes are modeled here; saving/restoring the rest
// of the caller-saved register file and ELR/SPSR/SP_EL0 is the
// trampoline's job, written once in arm64 assembly, not Go's.
type SyscallFrame struct {
	X [9]uint64 // x0..x8; x8 carries the syscall number on entry
}

// Num returns the syscall number from x8.
func (f *SyscallFrame) Num() uint64 { return f.X[8] }

// Arg returns argument register xi (i in [0,3], spec.md §6 "arguments in
// x0..x3").
func (f *SyscallFrame) Arg(i int) uint64 { return f.X[i] }

// setReturn writes a negative-enum error code into x0, following the
// syscall ABI's "negative returns are errors" rule.
func (f *SyscallFrame) setReturn(c kerrors.Code) { f.X[0] = uint64(c.Int64()) }
