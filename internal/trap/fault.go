package trap

import (
	"mlk-kernel/internal/klog"
)

// Exception class values from ESR_EL1[31:26], the subset this kernel
// classifies. Grounded on iansmith-mazarin's exceptions.go EC_* table,
// trimmed to the classes spec.md's fault-handling rules actually branch
// on; every other EC value falls into the "unknown" bucket both rules
// already cover.
const (
	ecSError = 0b101111
)

// ExceptionClass extracts ESR_EL1[31:26].
func ExceptionClass(esr uint64) uint32 { return uint32((esr >> 26) & 0x3F) }

// fromUser reports whether SPSR_EL1's saved mode is EL0t (M[3:0] == 0),
// i.e. whether the trapped context was executing in user mode.
func fromUser(spsr uint64) bool { return spsr&0xF == 0 }

// FaultRecord is the structured diagnostic spec.md §7's fatal boundary
// mandates: exception class (via ESR), fault address, program counter,
// and saved processor state, gathered by the vector-table trampoline and
// handed to Go with no interpretation applied yet.
type FaultRecord struct {
	ESR  uint64
	ELR  uint64
	FAR  uint64
	SPSR uint64
}

// HandleFault classifies a synchronous exception trapped while a thread
// was running (spec.md §4.4 "handle faults"). Per spec.md §7: data/
// instruction aborts, alignment faults, and unknown exception classes
// trapped from privileged (kernel) mode are fatal, as is SError
// regardless of origin; the same fault classes trapped from unprivileged
// (user) mode terminate the current process with exit code 139 (128 +
// SIGSEGV) instead of bringing down the kernel.
func (d *Dispatcher) HandleFault(rec FaultRecord, log *klog.Logger, fatal func()) {
	ec := ExceptionClass(rec.ESR)

	if ec == ecSError || !fromUser(rec.SPSR) {
		log.Fault("kernel fault: ec=" + klog.Hex64(uint64(ec)) +
			" elr=" + klog.Hex64(rec.ELR) +
			" far=" + klog.Hex64(rec.FAR) +
			" esr=" + klog.Hex64(rec.ESR))
		fatal()
		return
	}

	self := d.Sched.CurrentThread()
	if self == nil || !self.HasProcess {
		log.Fault("user-mode fault with no current process; ec=" + klog.Hex64(uint64(ec)))
		fatal()
		return
	}
	log.Warn("user fault: pid=" + klog.Decimal(int64(self.Process)) +
		" ec=" + klog.Hex64(uint64(ec)) + " far=" + klog.Hex64(rec.FAR) +
		" elr=" + klog.Hex64(rec.ELR))
	d.Sched.Exit(self.Process, 139)
}
