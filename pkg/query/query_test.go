package query

import (
	"testing"

	"github.com/anp-project/anp/pkg/anperr"
	"github.com/anp-project/anp/pkg/wire"
)

func TestOutgoingQueryCompletesOnceWithReply(t *testing.T) {
	cmd := &wire.Message{Header: wire.Header{ID: 5}}
	q := NewOutgoing(5, cmd)
	if !q.Pending() {
		t.Fatal("new query should be pending")
	}

	calls := 0
	q.SetOnComplete(func() { calls++ })

	reply := &wire.Message{Header: wire.Header{ID: 5}}
	q.Complete(reply)
	if q.Pending() {
		t.Fatal("query should not be pending after Complete")
	}
	if q.Reply() != reply {
		t.Fatalf("Reply() = %v, want %v", q.Reply(), reply)
	}
	if q.Err() != nil {
		t.Fatalf("Err() = %v, want nil", q.Err())
	}

	// A second Complete or Fail must not fire OnComplete again or
	// overwrite the reply (§8 invariant 7: exactly once).
	q.Complete(&wire.Message{Header: wire.Header{ID: 5}, Elements: []wire.Element{wire.StrElem("late")}})
	q.Fail(anperr.Wrap(anperr.ConnLost, "too late"))
	if calls != 1 {
		t.Fatalf("OnComplete fired %d times, want 1", calls)
	}
	if q.Reply() != reply {
		t.Fatal("Reply() changed after query already completed")
	}
}

func TestOutgoingQueryFailOnClose(t *testing.T) {
	q := NewOutgoing(1, &wire.Message{})
	calls := 0
	q.SetOnComplete(func() { calls++ })

	err := anperr.Wrap(anperr.ConnLost, "connection lost")
	q.Fail(err)

	if q.Pending() {
		t.Fatal("query should not be pending after Fail")
	}
	if q.Err() != err {
		t.Fatalf("Err() = %v, want %v", q.Err(), err)
	}
	if q.Reply() != nil {
		t.Fatal("Reply() should be nil after Fail")
	}
	if calls != 1 {
		t.Fatalf("OnComplete fired %d times, want 1", calls)
	}
}

func TestOutgoingQueryCancelLocallyFiresNoCompletion(t *testing.T) {
	q := NewOutgoing(1, &wire.Message{})
	calls := 0
	q.SetOnComplete(func() { calls++ })

	q.CancelLocally()

	if q.Pending() {
		t.Fatal("query should not be pending after CancelLocally")
	}
	if calls != 0 {
		t.Fatalf("OnComplete fired %d times, want 0 (§4.10: no completion event on cancel)", calls)
	}
	if q.Reply() != nil || q.Err() != nil {
		t.Fatal("CancelLocally must leave both Reply and Err nil")
	}
}

func TestIncomingQueryReplyPreventsCancel(t *testing.T) {
	cmd := &wire.Message{Header: wire.Header{ID: 9}}
	q := NewIncoming(9, cmd)

	cancelCalls := 0
	q.OnCancel = func() { cancelCalls++ }

	reply := &wire.Message{Header: wire.Header{ID: 9}}
	q.CompleteWithReply(reply)
	if q.Pending() {
		t.Fatal("query should not be pending after CompleteWithReply")
	}
	if q.Reply() != reply {
		t.Fatalf("Reply() = %v, want %v", q.Reply(), reply)
	}

	// A query already replied to does not fire cancellation (§4.5).
	q.Cancel()
	if cancelCalls != 0 {
		t.Fatalf("OnCancel fired %d times after reply, want 0", cancelCalls)
	}
	if q.Cancelled() {
		t.Fatal("a replied query must not report Cancelled")
	}
}

func TestIncomingQueryCancelFiresOnce(t *testing.T) {
	q := NewIncoming(3, &wire.Message{Header: wire.Header{ID: 3}})
	calls := 0
	q.OnCancel = func() { calls++ }

	q.Cancel()
	q.Cancel() // second call is a no-op (§4.5: fires exactly once)

	if !q.Cancelled() {
		t.Fatal("query should report Cancelled after Cancel")
	}
	if q.Pending() {
		t.Fatal("query should not be pending after Cancel")
	}
	if calls != 1 {
		t.Fatalf("OnCancel fired %d times, want 1", calls)
	}
}
