package ipc

import (
	"testing"

	"mlk-kernel/internal/config"
	"mlk-kernel/internal/kerrors"
)

func activeEndpoint() *Endpoint {
	ep := New(5)
	ep.Open(1)
	return ep
}

func TestSendOnInactiveEndpointFailsFast(t *testing.T) {
	ep := New(5)
	if _, _, _, code := ep.Send(1, Message{}); code != kerrors.InvalidPort {
		t.Errorf("Send on free endpoint: %v, want InvalidPort", code)
	}
}

func TestReceiveThenSendDeliversDirectly(t *testing.T) {
	ep := activeEndpoint()

	_, _, blocked, _, _, code := ep.Receive(100)
	if code != kerrors.Success || !blocked {
		t.Fatalf("Receive with no sender: blocked=%v code=%v, want true/Success", blocked, code)
	}

	woke, hasWoke, sendBlocked, code := ep.Send(42, Message{Op: 1, Arg: [4]uint64{7}})
	if code != kerrors.Success || sendBlocked {
		t.Fatalf("Send to waiting receiver: blocked=%v code=%v", sendBlocked, code)
	}
	if !hasWoke || woke != 100 {
		t.Fatalf("Send should wake receiver 100, got woke=%d hasWoke=%v", woke, hasWoke)
	}

	msg, ok := ep.TakeDelivered()
	if !ok {
		t.Fatal("TakeDelivered found nothing after direct handoff")
	}
	if msg.Sender != 42 || msg.Op != 1 || msg.Arg[0] != 7 {
		t.Errorf("delivered message = %+v, want sender=42 op=1 arg0=7", msg)
	}
}

func TestSendThenReceiveRoundTripEqualsReceiveThenSend(t *testing.T) {
	// Round-trip law: whichever order send/receive happen in, the
	// receiver ends up with the same message contents.
	ep := activeEndpoint()

	woke, hasWoke, blocked, code := ep.Send(7, Message{Op: 2, Arg: [4]uint64{9}})
	if code != kerrors.Success || !blocked || hasWoke {
		t.Fatalf("Send with no receiver: hasWoke=%v blocked=%v code=%v", hasWoke, blocked, code)
	}

	msg, isNotify, blocked, senderWoke, hasSenderWoke, code := ep.Receive(100)
	if code != kerrors.Success || blocked || isNotify {
		t.Fatalf("Receive with queued sender: blocked=%v isNotify=%v code=%v", blocked, isNotify, code)
	}
	if !hasSenderWoke || senderWoke != 7 {
		t.Fatalf("Receive should report waking sender 7, got %d/%v", senderWoke, hasSenderWoke)
	}
	if msg.Sender != 7 || msg.Op != 2 || msg.Arg[0] != 9 {
		t.Errorf("message = %+v, want sender=7 op=2 arg0=9", msg)
	}
	_ = woke
}

func TestSenderQueueIsFIFO(t *testing.T) {
	ep := activeEndpoint()

	for i := uint32(1); i <= 3; i++ {
		if _, _, blocked, code := ep.Send(i, Message{Op: i}); code != kerrors.Success || !blocked {
			t.Fatalf("Send(%d): blocked=%v code=%v", i, blocked, code)
		}
	}

	for _, wantSender := range []uint32{1, 2, 3} {
		msg, _, _, woke, hasWoke, code := ep.Receive(999)
		if code != kerrors.Success {
			t.Fatalf("Receive: %v", code)
		}
		if !hasWoke || woke != wantSender {
			t.Errorf("dequeued sender = %d, want %d", woke, wantSender)
		}
		if msg.Sender != wantSender {
			t.Errorf("message.Sender = %d, want %d", msg.Sender, wantSender)
		}
	}
}

func TestSendReturnsWouldBlockWhenQueueFull(t *testing.T) {
	ep := activeEndpoint()

	for i := uint32(0); i < config.SenderQueueDepth; i++ {
		if _, _, blocked, code := ep.Send(i+1, Message{}); code != kerrors.Success || !blocked {
			t.Fatalf("Send(%d) should queue: blocked=%v code=%v", i, blocked, code)
		}
	}

	if _, _, _, code := ep.Send(999, Message{}); code != kerrors.WouldBlock {
		t.Errorf("Send on full queue: %v, want WouldBlock", code)
	}
}

func TestNotificationTakesPriorityOverQueuedSender(t *testing.T) {
	ep := activeEndpoint()
	ep.Send(1, Message{Op: 1})
	if _, _, code := ep.Notify(0xBEEF); code != kerrors.Success {
		t.Fatalf("Notify: %v", code)
	}

	msg, isNotify, blocked, _, hasWoke, code := ep.Receive(100)
	if code != kerrors.Success || blocked {
		t.Fatalf("Receive: blocked=%v code=%v", blocked, code)
	}
	if !isNotify || msg.Badge != 0xBEEF {
		t.Errorf("Receive should surface the notification first, got isNotify=%v badge=%x", isNotify, msg.Badge)
	}
	if hasWoke {
		t.Error("notification delivery must not also report a woken sender")
	}
}

func TestNotifyCoalescesToMostRecentBadge(t *testing.T) {
	ep := activeEndpoint()
	ep.Notify(1)
	ep.Notify(2)
	ep.Notify(3)

	msg, isNotify, _, _, _, _ := ep.Receive(1)
	if !isNotify || msg.Badge != 3 {
		t.Errorf("coalesced badge = %d (isNotify=%v), want 3", msg.Badge, isNotify)
	}
}

func TestTryReceiveNeverBlocks(t *testing.T) {
	ep := activeEndpoint()
	_, _, _, _, ok, code := ep.TryReceive()
	if ok || code != kerrors.Success {
		t.Fatalf("TryReceive on empty endpoint: ok=%v code=%v, want false/Success", ok, code)
	}
}

func TestReplyDeliversOnlyToCurrentWaitingReceiver(t *testing.T) {
	ep := activeEndpoint()
	ep.Receive(55)

	if delivered, code := ep.Reply(999, Message{Op: 9}); delivered || code != kerrors.Success {
		t.Errorf("Reply to wrong target: delivered=%v code=%v, want false/Success (silently dropped)", delivered, code)
	}
	if delivered, code := ep.Reply(55, Message{Op: 9}); !delivered || code != kerrors.Success {
		t.Errorf("Reply to waiting target: delivered=%v code=%v, want true/Success", delivered, code)
	}
	if _, ok := ep.TakeDelivered(); !ok {
		t.Error("Reply should have populated TakeDelivered")
	}
}

func TestSendToDeadReceiverTreatsSlotAsEmptyAndQueues(t *testing.T) {
	// spec.md §9 open question 1: a Send that would hand a message to a
	// thread whose process has died instead treats the registration as
	// empty, rather than "delivering" into a TakeDelivered nobody reads.
	ep := activeEndpoint()
	dead := map[ThreadID]bool{100: true}
	ep.IsAlive = func(tid ThreadID) bool { return !dead[tid] }

	ep.Receive(100)

	_, hasWoke, blocked, code := ep.Send(42, Message{Op: 1})
	if code != kerrors.Success || hasWoke || !blocked {
		t.Fatalf("Send to dead receiver: hasWoke=%v blocked=%v code=%v, want false/true/Success", hasWoke, blocked, code)
	}
	if _, ok := ep.TakeDelivered(); ok {
		t.Error("a dead receiver must never have a message delivered to it")
	}
}

func TestReceiveSkipsDeadQueuedSenders(t *testing.T) {
	ep := activeEndpoint()
	dead := map[ThreadID]bool{1: true}
	ep.IsAlive = func(tid ThreadID) bool { return !dead[tid] }

	ep.Send(1, Message{Op: 1}) // queued, then its process dies
	ep.Send(2, Message{Op: 2}) // queued, alive

	msg, _, blocked, woke, hasWoke, code := ep.Receive(100)
	if code != kerrors.Success || blocked {
		t.Fatalf("Receive: blocked=%v code=%v", blocked, code)
	}
	if !hasWoke || woke != 2 {
		t.Errorf("Receive should skip the dead sender and wake 2, got woke=%d hasWoke=%v", woke, hasWoke)
	}
	if msg.Sender != 2 {
		t.Errorf("message.Sender = %d, want 2", msg.Sender)
	}
}

func TestReplyToDeadTargetIsDroppedAndClearsRegistration(t *testing.T) {
	ep := activeEndpoint()
	dead := map[ThreadID]bool{55: true}
	ep.IsAlive = func(tid ThreadID) bool { return !dead[tid] }

	ep.Receive(55)

	if delivered, code := ep.Reply(55, Message{Op: 9}); delivered || code != kerrors.Success {
		t.Errorf("Reply to dead target: delivered=%v code=%v, want false/Success", delivered, code)
	}
	if ep.hasReceiver {
		t.Error("Reply should clear a dead receiver's registration")
	}
}

func TestTableCreateSkipsReservedEndpoints(t *testing.T) {
	tbl := NewTable()
	id, ok := tbl.Create(1)
	if !ok || id == ReservedInvalid || id == ReservedKernel {
		t.Fatalf("Create() = (%d, %v), must avoid reserved ids", id, ok)
	}
}

func TestSetLivenessCheckerSurvivesDestroy(t *testing.T) {
	tbl := NewTable()
	calls := 0
	tbl.SetLivenessChecker(func(ThreadID) bool { calls++; return true })

	id, _ := tbl.Create(1)
	tbl.Destroy(id)
	id2, _ := tbl.Create(1)
	if tbl.Get(id2).IsAlive == nil {
		t.Fatal("a reused endpoint slot must keep the installed liveness checker")
	}
	tbl.Get(id2).IsAlive(1)
	if calls != 1 {
		t.Fatalf("checker called %d times, want 1", calls)
	}
}

func TestTableDestroyFreesSlotForReuse(t *testing.T) {
	tbl := NewTable()
	id, _ := tbl.Create(1)
	if !tbl.Destroy(id) {
		t.Fatal("Destroy should succeed on an active endpoint")
	}
	if tbl.Get(id).State != Free {
		t.Error("Destroy should return the slot to Free")
	}
}
