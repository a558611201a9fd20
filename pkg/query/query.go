// Package query implements the outgoing and incoming query correlation
// objects (§4.5, §4.10): a command awaiting a reply, keyed by message id.
package query

import (
	"sync"

	"github.com/anp-project/anp/pkg/anperr"
	"github.com/anp-project/anp/pkg/wire"
)

// OutgoingQuery is a command this side sent, awaiting exactly one of a
// reply, a close error, or local cancellation (§8 invariant 7). The
// caller typically sends the command on one goroutine and registers its
// completion callback afterward, while the worker's dispatch goroutine may
// complete the query at any time; mu guards every field a callback
// registration races against.
type OutgoingQuery struct {
	ID      uint64
	Command *wire.Message

	mu         sync.Mutex
	pending    bool
	reply      *wire.Message
	err        *anperr.Error
	onComplete func()
}

// NewOutgoing constructs a pending OutgoingQuery for cmd, keyed by id.
func NewOutgoing(id uint64, cmd *wire.Message) *OutgoingQuery {
	return &OutgoingQuery{ID: id, Command: cmd, pending: true}
}

// Pending reports whether the query is still awaiting completion.
func (q *OutgoingQuery) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Reply returns the reply message, or nil if not yet (or never) completed
// with a reply.
func (q *OutgoingQuery) Reply() *wire.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reply
}

// Err returns the completion error, or nil if completed with a reply or
// still pending.
func (q *OutgoingQuery) Err() *anperr.Error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// SetOnComplete registers fn to run when the query completes via Complete
// or Fail. If the query has already completed by the time SetOnComplete is
// called, fn runs immediately instead of being lost to the race between
// SendCommand returning and the caller registering its callback. A query
// already cancelled with CancelLocally (neither reply nor error) never runs fn.
func (q *OutgoingQuery) SetOnComplete(fn func()) {
	q.mu.Lock()
	if q.pending {
		q.onComplete = fn
		q.mu.Unlock()
		return
	}
	cancelled := q.reply == nil && q.err == nil
	q.mu.Unlock()
	if !cancelled {
		fn()
	}
}

// Complete finishes the query with a reply. A no-op if already completed.
func (q *OutgoingQuery) Complete(reply *wire.Message) {
	q.mu.Lock()
	if !q.pending {
		q.mu.Unlock()
		return
	}
	q.pending = false
	q.reply = reply
	fn := q.onComplete
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Fail finishes the query with an error (channel close). A no-op if
// already completed.
func (q *OutgoingQuery) Fail(err *anperr.Error) {
	q.mu.Lock()
	if !q.pending {
		q.mu.Unlock()
		return
	}
	q.pending = false
	q.err = err
	fn := q.onComplete
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CancelLocally finishes the query with neither a reply nor an error,
// matching cancel()'s "no completion event fires" contract (§4.10).
func (q *OutgoingQuery) CancelLocally() {
	q.mu.Lock()
	q.pending = false
	q.mu.Unlock()
}

// IncomingQuery is a command the peer sent, awaiting either a reply or
// cancellation (§4.5).
type IncomingQuery struct {
	ID      uint64
	Command *wire.Message

	pending   bool
	cancelled bool
	reply     *wire.Message

	// OnCancel, if set by the recipient before the query completes, is
	// invoked when the peer sends a CancelCmd for this query's id.
	OnCancel func()
}

// NewIncoming constructs a pending IncomingQuery for cmd, keyed by id.
func NewIncoming(id uint64, cmd *wire.Message) *IncomingQuery {
	return &IncomingQuery{ID: id, Command: cmd, pending: true}
}

// Pending reports whether the query is still awaiting a reply or
// cancellation.
func (q *IncomingQuery) Pending() bool { return q.pending }

// Cancelled reports whether this query was cancelled rather than replied.
func (q *IncomingQuery) Cancelled() bool { return q.cancelled }

// Reply returns the reply sent for this query, or nil if not replied.
func (q *IncomingQuery) Reply() *wire.Message { return q.reply }

// CompleteWithReply finishes the query with the given reply. A no-op if
// already completed.
func (q *IncomingQuery) CompleteWithReply(reply *wire.Message) {
	if !q.pending {
		return
	}
	q.pending = false
	q.reply = reply
}

// Cancel fires cancellation exactly once, only if the query has not
// already been replied to (§4.5).
func (q *IncomingQuery) Cancel() {
	if !q.pending {
		return
	}
	q.pending = false
	q.cancelled = true
	if q.OnCancel != nil {
		q.OnCancel()
	}
}
