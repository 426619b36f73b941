// Package ipc implements the synchronous rendezvous endpoints of
// spec.md §4.5: send/receive/try-receive/reply/notify over a
// fixed-capacity sender queue and a one-slot coalescing notification.
// No teacher file covers IPC (the retrieved xv6-in-go slice never
// reaches pipe.go/proc signaling); this is grounded directly on
// spec.md's send/receive state machine, written in the teacher's
// plain-struct, explicit fixed-capacity style (queues as arrays with a
// head index and count, not slices that grow).
package ipc

import (
	"mlk-kernel/internal/config"
	"mlk-kernel/internal/kerrors"
)

// ThreadID mirrors proc.ThreadID without importing internal/proc:
// endpoints deal only in opaque thread identifiers, never touching
// scheduler state directly (the scheduler is driven by whoever calls
// into this package, per spec.md's dispatch-owns-the-reschedule-flag
// design).
type ThreadID = uint32

// EndpointID indexes the fixed endpoint table (spec.md §3). 0 is
// reserved invalid, 1 is reserved for the kernel.
type EndpointID = uint32

const (
	ReservedInvalid EndpointID = 0
	ReservedKernel  EndpointID = 1
)

// State is an endpoint's lifecycle state (spec.md §3).
type State int

const (
	Free State = iota
	Active
	Closed
)

// Message is the fixed scalar record carried by every IPC operation
// (spec.md §3). Sender is stamped by the kernel at delivery, never set
// by the caller.
type Message struct {
	Op      uint32
	Arg     [4]uint64
	Sender  ThreadID
	ReplyTo EndpointID
	Badge   uint64
}

type queuedSend struct {
	thread ThreadID
	msg    Message
	inUse  bool
}

// LivenessChecker reports whether tid still names a live thread (spec.md
// §9 open question 1: "a receive/send that would hand a message to or
// from a thread whose process is dead instead treats that slot as empty
// and proceeds" — lazy scrub on use, not exit_process walking every
// endpoint). A nil checker treats every id as alive, which is what tests
// exercising pure endpoint state without a scheduler want.
type LivenessChecker func(tid ThreadID) bool

// Endpoint is a fixed-capacity IPC rendezvous point (spec.md §3).
// Invariant: at most one of (non-empty sender queue, waiting receiver)
// is populated at any time.
type Endpoint struct {
	ID    EndpointID
	State State
	Owner ThreadID

	senders  [config.SenderQueueDepth]queuedSend
	sendHead int
	sendLen  int

	hasReceiver bool
	receiver    ThreadID

	delivered    Message
	hasDelivered bool

	notifyPending bool
	notifyBadge   uint64

	IsAlive LivenessChecker
}

// New returns a free endpoint slot with the given id, matching the
// zero-value semantics a fixed endpoint table initializes to.
func New(id EndpointID) *Endpoint {
	return &Endpoint{ID: id, State: Free}
}

// alive reports whether tid is still live, per IsAlive (or true if no
// checker is installed).
func (ep *Endpoint) alive(tid ThreadID) bool {
	return ep.IsAlive == nil || ep.IsAlive(tid)
}

// Open transitions a free endpoint to active, owned by owner (spec.md
// §4.5 PORT_CREATE).
func (ep *Endpoint) Open(owner ThreadID) {
	ep.State = Active
	ep.Owner = owner
}

// Close transitions an active endpoint to closed (spec.md §4.5
// PORT_DESTROY). Any thread still queued or waiting is left exactly as
// open question 1 describes: dispatch must validate on use, since this
// package does not walk process/thread tables to scrub references.
func (ep *Endpoint) Close() {
	ep.State = Closed
}

func (ep *Endpoint) enqueueSend(thread ThreadID, msg Message) bool {
	if ep.sendLen == len(ep.senders) {
		return false
	}
	idx := (ep.sendHead + ep.sendLen) % len(ep.senders)
	ep.senders[idx] = queuedSend{thread: thread, msg: msg, inUse: true}
	ep.sendLen++
	return true
}

func (ep *Endpoint) dequeueSend() (queuedSend, bool) {
	if ep.sendLen == 0 {
		return queuedSend{}, false
	}
	q := ep.senders[ep.sendHead]
	ep.senders[ep.sendHead] = queuedSend{}
	ep.sendHead = (ep.sendHead + 1) % len(ep.senders)
	ep.sendLen--
	return q, true
}

// Send implements spec.md §4.5 Send. If a receiver is already waiting,
// delivery happens immediately: woke reports that receiver's thread id
// so the caller (dispatch) can unblock it and, since the message is now
// available via TakeDelivered, fix up its saved return registers before
// it next runs. Otherwise the sender is queued and blocked must be
// honored by the caller (mark current blocked_ipc); queue-full yields
// WouldBlock without blocking.
func (ep *Endpoint) Send(from ThreadID, msg Message) (woke ThreadID, hasWoke bool, blocked bool, code kerrors.Code) {
	if ep.State != Active {
		return 0, false, false, kerrors.InvalidPort
	}
	msg.Sender = from

	if ep.hasReceiver && !ep.alive(ep.receiver) {
		ep.hasReceiver = false
	}
	if ep.hasReceiver {
		ep.delivered = msg
		ep.hasDelivered = true
		woke = ep.receiver
		ep.hasReceiver = false
		return woke, true, false, kerrors.Success
	}

	if !ep.enqueueSend(from, msg) {
		return 0, false, false, kerrors.WouldBlock
	}
	return 0, false, true, kerrors.Success
}

// Receive implements spec.md §4.5 Receive. Notification-first (open
// question 2 resolved this way, per spec.md §9): a pending notification
// is always returned ahead of a queued sender, even if both are present.
// If neither is available, the caller must block (blocked=true) and the
// eventual delivery arrives via TakeDelivered when a later Send targets
// this thread as the recorded receiver.
func (ep *Endpoint) Receive(self ThreadID) (msg Message, isNotify bool, blocked bool, woke ThreadID, hasWoke bool, code kerrors.Code) {
	if ep.State != Active {
		return Message{}, false, false, 0, false, kerrors.InvalidPort
	}

	if ep.notifyPending {
		ep.notifyPending = false
		return Message{Badge: ep.notifyBadge}, true, false, 0, false, kerrors.Success
	}

	if q, ok := ep.nextLiveSend(); ok {
		return q.msg, false, false, q.thread, true, kerrors.Success
	}

	ep.hasReceiver = true
	ep.receiver = self
	return Message{}, false, true, 0, false, kerrors.Success
}

// nextLiveSend dequeues senders until it finds one whose thread is still
// alive, discarding stale entries left by a sender whose process died
// while queued (spec.md §9 open question 1).
func (ep *Endpoint) nextLiveSend() (queuedSend, bool) {
	for {
		q, ok := ep.dequeueSend()
		if !ok {
			return queuedSend{}, false
		}
		if ep.alive(q.thread) {
			return q, true
		}
	}
}

// TryReceive implements spec.md §4.5 try-receive: identical to Receive
// except it never records a waiting receiver, returning "no message"
// (ok=false) instead of blocking.
func (ep *Endpoint) TryReceive() (msg Message, isNotify bool, woke ThreadID, hasWoke bool, ok bool, code kerrors.Code) {
	if ep.State != Active {
		return Message{}, false, 0, false, false, kerrors.InvalidPort
	}
	if ep.notifyPending {
		ep.notifyPending = false
		return Message{Badge: ep.notifyBadge}, true, 0, false, true, kerrors.Success
	}
	if q, okq := ep.nextLiveSend(); okq {
		return q.msg, false, q.thread, true, true, kerrors.Success
	}
	return Message{}, false, 0, false, false, kerrors.Success
}

// TakeDelivered returns the message a Send wrote for this endpoint's
// most recently woken receiver, consuming it. Dispatch calls this when
// resuming a thread that was blocked_ipc on a receive, to fill in the
// saved frame's return registers (spec.md §9 "blocked-syscall return
// value").
func (ep *Endpoint) TakeDelivered() (Message, bool) {
	if !ep.hasDelivered {
		return Message{}, false
	}
	m := ep.delivered
	ep.hasDelivered = false
	return m, true
}

// Reply implements spec.md §4.5 Reply: delivers msg to target if target
// is currently this endpoint's waiting receiver, exactly like the fast
// path of Send, and reports whether delivery happened. Per spec.md §9
// open question 3, a reply whose target is no longer waiting (thread
// exited, or never called Call) is silently dropped — the replier gets
// no error, matching "whether to report an error to the replier is
// unspecified" resolved here as "no".
func (ep *Endpoint) Reply(target ThreadID, msg Message) (delivered bool, code kerrors.Code) {
	if ep.State != Active {
		return false, kerrors.InvalidPort
	}
	if ep.hasReceiver && !ep.alive(ep.receiver) {
		ep.hasReceiver = false
	}
	if !ep.hasReceiver || ep.receiver != target {
		return false, kerrors.Success
	}
	msg.Sender = ep.Owner
	ep.delivered = msg
	ep.hasDelivered = true
	ep.hasReceiver = false
	return true, kerrors.Success
}

// AwaitReply registers self as the endpoint's next receiver without
// touching the sender queue or notification state, used by dispatch
// after handing a CALL's message to its recipient so a later Reply
// targeting self can be delivered (spec.md §9 open question 3: CALL and
// REPLY share Receive's single rendezvous slot, since no separate
// reply-capability object is specified).
func (ep *Endpoint) AwaitReply(self ThreadID) {
	ep.hasReceiver = true
	ep.receiver = self
}

// Notify implements spec.md §4.5 Notify: non-blocking, coalescing (only
// the most recent badge survives), and wakes a waiting receiver
// immediately if one exists instead of queuing behind it.
func (ep *Endpoint) Notify(badge uint64) (woke ThreadID, hasWoke bool, code kerrors.Code) {
	if ep.State != Active {
		return 0, false, kerrors.InvalidPort
	}
	if ep.hasReceiver && !ep.alive(ep.receiver) {
		ep.hasReceiver = false
	}
	if ep.hasReceiver {
		woke = ep.receiver
		ep.hasReceiver = false
		ep.delivered = Message{Badge: badge}
		ep.hasDelivered = true
		return woke, true, kerrors.Success
	}
	ep.notifyPending = true
	ep.notifyBadge = badge
	return 0, false, kerrors.Success
}
