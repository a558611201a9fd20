package broker

import (
	"fmt"
	"sync"

	"github.com/anp-project/anp/pkg/anperr"
	"github.com/anp-project/anp/pkg/query"
	"github.com/anp-project/anp/pkg/wire"
)

// poster abstracts "queue a message for sending on channel id" (the
// broker->worker mailbox post), letting Channel stay independent of the
// worker package.
type poster interface {
	postMessage(channelID uint64, msg *wire.Message)
}

// Channel is the broker-side handle for one logical connection (§4.5
// "Channel (broker-side)"): it owns the outgoing/incoming query maps and
// the monotonic command id counter, and demultiplexes received messages
// by the role bits of their type field (§4.10).
type Channel struct {
	mu        sync.Mutex
	id        uint64
	owner     poster
	open      bool
	closeErr  *anperr.Error
	nextCmdID uint64
	outgoing  map[uint64]*query.OutgoingQuery
	incoming  map[uint64]*query.IncomingQuery

	// OnIncomingQuery, OnIncomingEvent, and OnClose are set by the
	// application (typically from the Broker's OnChannelOpen callback)
	// before returning control to the dispatch loop.
	OnIncomingQuery func(*query.IncomingQuery)
	OnIncomingEvent func(*wire.Message)
	OnClose         func(*anperr.Error)
}

func newChannel(id uint64, owner poster) *Channel {
	return &Channel{
		id:       id,
		owner:    owner,
		open:     true,
		outgoing: make(map[uint64]*query.OutgoingQuery),
		incoming: make(map[uint64]*query.IncomingQuery),
	}
}

// ID returns the broker-assigned channel id.
func (c *Channel) ID() uint64 { return c.id }

// IsOpen reports whether the channel is still open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// CloseErr returns the error the channel closed with, or nil if still open
// or closed normally.
func (c *Channel) CloseErr() *anperr.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// SendCommand assigns the next monotonic command id, records the query,
// and forwards msg to the peer. It returns the query handle immediately
// (§4.10).
func (c *Channel) SendCommand(msg *wire.Message) (*query.OutgoingQuery, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, fmt.Errorf("broker: channel %d is closed", c.id)
	}
	c.nextCmdID++
	id := c.nextCmdID
	msg.Header.ID = id
	q := query.NewOutgoing(id, msg)
	c.outgoing[id] = q
	c.mu.Unlock()

	c.owner.postMessage(c.id, msg)
	return q, nil
}

// SendEvent forwards msg to the peer as a fire-and-forget event; the
// caller is responsible for setting role=event in msg.Header.Type.
func (c *Channel) SendEvent(msg *wire.Message) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("broker: channel %d is closed", c.id)
	}
	c.mu.Unlock()
	c.owner.postMessage(c.id, msg)
	return nil
}

// Cancel sends a CancelCmd bearing q's id and locally completes q in the
// cancelled state without firing a completion event (§4.10).
func (c *Channel) Cancel(q *query.OutgoingQuery) {
	c.mu.Lock()
	if !q.Pending() {
		c.mu.Unlock()
		return
	}
	delete(c.outgoing, q.ID)
	open := c.open
	c.mu.Unlock()

	q.CancelLocally()
	if !open {
		return
	}
	c.owner.postMessage(c.id, &wire.Message{Header: wire.Header{ID: q.ID, Type: wire.CancelCmdType}})
}

// Reply stamps q's id into msg as a response, forwards it, and marks q
// complete (§4.10).
func (c *Channel) Reply(q *query.IncomingQuery, msg *wire.Message) error {
	c.mu.Lock()
	if !q.Pending() {
		c.mu.Unlock()
		return fmt.Errorf("broker: query %d already completed", q.ID)
	}
	delete(c.incoming, q.ID)
	open := c.open
	c.mu.Unlock()

	msg.Header.ID = q.ID
	msg.Header.Type = wire.MakeType(wire.FamilyANP, wire.RoleResponse, wire.Namespace(q.Command.Header.Type))
	q.CompleteWithReply(msg)
	if !open {
		return fmt.Errorf("broker: channel %d is closed", c.id)
	}
	c.owner.postMessage(c.id, msg)
	return nil
}

// dispatch demultiplexes one received message by role (§4.10).
func (c *Channel) dispatch(msg *wire.Message) {
	switch wire.Role(msg.Header.Type) {
	case wire.RoleCommand:
		c.dispatchCommand(msg)
	case wire.RoleResponse:
		c.dispatchResponse(msg)
	case wire.RoleEvent:
		if c.OnIncomingEvent != nil {
			c.OnIncomingEvent(msg)
		}
	}
}

func (c *Channel) dispatchCommand(msg *wire.Message) {
	if wire.IsCancelCmd(msg.Header.Type) {
		c.mu.Lock()
		q, ok := c.incoming[msg.Header.ID]
		if ok {
			delete(c.incoming, msg.Header.ID)
		}
		c.mu.Unlock()
		if ok {
			q.Cancel()
		}
		return
	}

	q := query.NewIncoming(msg.Header.ID, msg)
	c.mu.Lock()
	// Duplicate ids from the peer replace prior entries (§4.10).
	c.incoming[msg.Header.ID] = q
	c.mu.Unlock()
	if c.OnIncomingQuery != nil {
		c.OnIncomingQuery(q)
	}
}

func (c *Channel) dispatchResponse(msg *wire.Message) {
	c.mu.Lock()
	q, ok := c.outgoing[msg.Header.ID]
	if ok {
		delete(c.outgoing, msg.Header.ID)
	}
	c.mu.Unlock()
	if ok && q.Pending() {
		q.Complete(msg)
	}
}

// forceClose transitions open->closed, failing every pending outgoing
// query with err, cancelling every pending incoming query, and firing
// OnClose exactly once (§4.10).
func (c *Channel) forceClose(err *anperr.Error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.closeErr = err
	outgoing := c.outgoing
	incoming := c.incoming
	c.outgoing = nil
	c.incoming = nil
	c.mu.Unlock()

	for _, q := range outgoing {
		q.Fail(err)
	}
	for _, q := range incoming {
		q.Cancel()
	}
	if c.OnClose != nil {
		c.OnClose(err)
	}
}
