package ipc

import "mlk-kernel/internal/config"

// Table is the fixed-capacity endpoint table (spec.md §3). Endpoint 0 is
// reserved invalid and endpoint 1 is reserved for the kernel; both are
// pre-marked Closed so PORT_CREATE never hands them out.
type Table struct {
	endpoints [config.MaxEndpoints]Endpoint
	isAlive   LivenessChecker
}

// NewTable returns a table with every slot Free except the two reserved
// ids, which are Closed.
func NewTable() *Table {
	t := &Table{}
	for i := range t.endpoints {
		t.endpoints[i] = Endpoint{ID: EndpointID(i), State: Free}
	}
	t.endpoints[ReservedInvalid].State = Closed
	t.endpoints[ReservedKernel].State = Closed
	return t
}

// SetLivenessChecker installs check on every endpoint, present and
// future (Destroy re-applies it to a reset slot), so Send/Receive/Reply/
// Notify can lazily scrub a registration that has outlived its thread
// (spec.md §9 open question 1). The kernel wires this once at boot to
// Scheduler.ThreadAlive; tests exercising pure endpoint state typically
// leave it unset.
func (t *Table) SetLivenessChecker(check LivenessChecker) {
	t.isAlive = check
	for i := range t.endpoints {
		t.endpoints[i].IsAlive = check
	}
}

// Get returns the endpoint at id, or nil if id is out of range.
func (t *Table) Get(id EndpointID) *Endpoint {
	if int(id) >= len(t.endpoints) {
		return nil
	}
	return &t.endpoints[id]
}

// Create finds a free slot, opens it for owner, and returns its id
// (spec.md §4.5 / §6 PORT_CREATE).
func (t *Table) Create(owner ThreadID) (EndpointID, bool) {
	for i := range t.endpoints {
		if EndpointID(i) == ReservedInvalid || EndpointID(i) == ReservedKernel {
			continue
		}
		if t.endpoints[i].State == Free {
			t.endpoints[i].Open(owner)
			return EndpointID(i), true
		}
	}
	return 0, false
}

// Destroy closes id, returning it to Free so it can be reused (spec.md
// §4.5 / §6 PORT_DESTROY destroys, it does not merely close: closed
// endpoints are garbage until reset to Free here).
func (t *Table) Destroy(id EndpointID) bool {
	ep := t.Get(id)
	if ep == nil || ep.State == Free {
		return false
	}
	*ep = Endpoint{ID: id, State: Free, IsAlive: t.isAlive}
	return true
}
