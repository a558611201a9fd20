// Package threadchan implements the worker-owned ThreadChannel (§4.5,
// §4.6): a per-connection object owning the socket, the Transport, and the
// handshake sub-state-machine, in its client and server variants.
package threadchan

import (
	"errors"
	"fmt"
	"time"

	"github.com/anp-project/anp/internal/rendezvous"
	"github.com/anp-project/anp/internal/selector"
	"github.com/anp-project/anp/pkg/transport"
	"github.com/anp-project/anp/pkg/wire"
)

// State is a ThreadChannel's lifecycle stage. Transitions are monotonic:
// Initial -> Connecting -> Handshake -> Open -> Closed. Closed is terminal.
type State int

const (
	Initial State = iota
	Connecting
	Handshake
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Connecting:
		return "Connecting"
	case Handshake:
		return "Handshake"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Kind distinguishes the client and server handshake variants.
type Kind int

const (
	ClientKind Kind = iota
	ServerKind
)

// DefaultHandshakeTimeout is the server-side handshake deadline (§4.6).
const DefaultHandshakeTimeout = 5 * time.Second

// Channel is the worker-thread-owned per-connection object. It is not safe
// for concurrent use; the Worker loop owns it exclusively.
type Channel struct {
	kind  Kind
	id    uint64
	hasID bool

	fd    int
	state State
	tr    *transport.Transport

	rendezvousPath string // client only; re-read on every connect attempt

	localSecret [rendezvous.SecretLen]byte // client: written during handshake
	hsSentN     int

	expectedSecret   [rendezvous.SecretLen]byte // server: compared against
	hsRecvBuf        [rendezvous.SecretLen]byte
	hsRecvN          int
	hsDeadline       time.Time
	handshakeTimeout time.Duration

	sendQueue []*wire.Message
	closeErr  error
}

// NewClient constructs a client-variant Channel in the Initial state. path
// is the rendezvous info file to read (re-read on every connect attempt,
// per §9's open question).
func NewClient(rendezvousPath string) *Channel {
	return &Channel{kind: ClientKind, state: Initial, fd: -1, rendezvousPath: rendezvousPath}
}

// NewServer constructs a server-variant Channel already in the Handshake
// state, wrapping an accepted, non-blocking fd, with a deadline of
// timeout from now (§4.6).
func NewServer(fd int, expectedSecret [rendezvous.SecretLen]byte, timeout time.Duration) *Channel {
	return &Channel{
		kind:             ServerKind,
		state:            Handshake,
		fd:               fd,
		expectedSecret:   expectedSecret,
		hsDeadline:       time.Now().Add(timeout),
		handshakeTimeout: timeout,
	}
}

// State reports the current lifecycle stage.
func (c *Channel) State() State { return c.state }

// SetID assigns the worker-issued channel id (set once, when the worker
// adds the channel, before the handshake completes).
func (c *Channel) SetID(id uint64) { c.id = id; c.hasID = true }

// ID returns the assigned channel id, or 0 if not yet assigned.
func (c *Channel) ID() uint64 { return c.id }

// CloseErr returns the error that caused the channel to close, or nil if
// closed normally.
func (c *Channel) CloseErr() error { return c.closeErr }

// Enqueue queues a message for sending. Valid only while Open.
func (c *Channel) Enqueue(m *wire.Message) error {
	if c.state != Open {
		return fmt.Errorf("threadchan: enqueue on channel in state %s, want Open", c.state)
	}
	c.sendQueue = append(c.sendQueue, m)
	return nil
}

// Close transitions to Closed (a one-way, idempotent transition) and
// releases the socket. err is nil for a normal close.
func (c *Channel) Close(err error) {
	if c.state == Closed {
		return
	}
	c.state = Closed
	c.closeErr = err
	if c.fd >= 0 {
		_ = transport.RawSocket{Fd: c.fd}.Close()
		c.fd = -1
	}
}

// BeforeSelect contributes this channel's readiness interest to sel and
// performs any state-specific work needed before waiting (§4.4 step 3).
func (c *Channel) BeforeSelect(sel *selector.Selector) error {
	switch c.state {
	case Initial:
		return c.startConnect(sel)
	case Connecting:
		sel.AddWrite(c.fd)
		sel.SetTimeoutUs(0) // revisit promptly (§4.5)
		return nil
	case Handshake:
		if c.kind == ClientKind {
			sel.AddWrite(c.fd)
			return nil
		}
		sel.AddRead(c.fd)
		sel.LowerTimeoutMs(time.Until(c.hsDeadline).Milliseconds())
		return nil
	case Open:
		c.tr.BeginRecv()
		if len(c.sendQueue) > 0 && !c.tr.IsSending() {
			msg := c.sendQueue[0]
			c.sendQueue = c.sendQueue[1:]
			if err := c.tr.SendMessage(msg); err != nil {
				return err
			}
		}
		c.tr.UpdateSelector(sel, c.fd)
		return nil
	default: // Closed
		return nil
	}
}

// AfterSelect reacts to the readiness state sel observed (§4.4 step 8).
// opened reports a freshly completed handshake (Open entered this turn);
// received carries any complete messages batched this turn.
func (c *Channel) AfterSelect(sel *selector.Selector) (opened bool, received []*wire.Message, err error) {
	switch c.state {
	case Connecting:
		return c.pollConnect(sel)
	case Handshake:
		if c.kind == ClientKind {
			return c.advanceClientHandshake(sel)
		}
		return c.advanceServerHandshake(sel)
	case Open:
		return c.advanceOpen(sel)
	default: // Initial (nothing pending yet), Closed
		return false, nil, nil
	}
}

func (c *Channel) startConnect(sel *selector.Selector) error {
	info, err := rendezvous.Read(c.rendezvousPath)
	if err != nil {
		return fmt.Errorf("threadchan: read rendezvous file: %w", err)
	}
	c.localSecret = info.Secret

	fd, err := transport.DialLoopbackNonblock(info.Port)
	if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
		return fmt.Errorf("threadchan: connect: %w", err)
	}
	c.fd = fd
	if errors.Is(err, transport.ErrWouldBlock) {
		c.state = Connecting
		sel.AddWrite(fd)
		sel.SetTimeoutUs(0)
		return nil
	}
	// Rare immediate-success connect: proceed straight to handshake.
	c.state = Handshake
	c.hsSentN = 0
	sel.AddWrite(fd)
	return nil
}

func (c *Channel) pollConnect(sel *selector.Selector) (bool, []*wire.Message, error) {
	if !sel.InWrite(c.fd) {
		return false, nil, nil
	}
	if err := transport.PollConnectResult(c.fd); err != nil {
		return false, nil, fmt.Errorf("threadchan: could not connect: %w", err)
	}
	c.state = Handshake
	c.hsSentN = 0
	return false, nil, nil
}

func (c *Channel) advanceClientHandshake(sel *selector.Selector) (bool, []*wire.Message, error) {
	if !sel.InWrite(c.fd) {
		return false, nil, nil
	}
	sock := transport.RawSocket{Fd: c.fd}
	n, err := sock.Write(c.localSecret[c.hsSentN:])
	if err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if n == 0 {
		return false, nil, transport.ErrConnectionLost
	}
	c.hsSentN += n
	if c.hsSentN < rendezvous.SecretLen {
		return false, nil, nil
	}
	c.state = Open
	c.tr = transport.New(sock)
	return true, nil, nil
}

func (c *Channel) advanceServerHandshake(sel *selector.Selector) (bool, []*wire.Message, error) {
	if time.Now().After(c.hsDeadline) {
		return false, nil, fmt.Errorf("threadchan: handshake timeout after %s", c.handshakeTimeout)
	}
	if !sel.InRead(c.fd) {
		return false, nil, nil
	}
	sock := transport.RawSocket{Fd: c.fd}
	n, err := sock.Read(c.hsRecvBuf[c.hsRecvN:])
	if err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if n == 0 {
		return false, nil, transport.ErrConnectionLost
	}
	c.hsRecvN += n
	if c.hsRecvN < rendezvous.SecretLen {
		return false, nil, nil
	}
	if !rendezvous.SecretsEqual(c.hsRecvBuf, c.expectedSecret) {
		return false, nil, fmt.Errorf("threadchan: handshake secret mismatch")
	}
	c.state = Open
	c.tr = transport.New(sock)
	return true, nil, nil
}

func (c *Channel) advanceOpen(sel *selector.Selector) (bool, []*wire.Message, error) {
	if err := c.tr.DoTransfer(sel.InRead(c.fd), sel.InWrite(c.fd)); err != nil {
		return false, nil, err
	}
	var received []*wire.Message
	for c.tr.DoneReceiving() {
		msg, err := c.tr.TakeReceived()
		if err != nil {
			return false, received, err
		}
		received = append(received, msg)
		c.tr.BeginRecv()
		// Drain any further whole messages already buffered by the kernel
		// without waiting for another select turn.
		if err := c.tr.DoTransfer(true, false); err != nil {
			return false, received, err
		}
	}
	return false, received, nil
}
