// Package transport implements the per-socket transport state machine
// (§3, §4.3): it feeds bytes to/from a Socket using partial, non-blocking
// I/O and exposes ready-to-send/receiving/received predicates.
package transport

import (
	"errors"
	"fmt"

	"github.com/anp-project/anp/pkg/wire"
)

// ErrWouldBlock is the in-band sentinel a Socket.Read/Write returns when
// the operation would block. It is distinct from a clean end-of-stream
// (n==0, err==nil), which DoTransfer treats as a lost connection.
var ErrWouldBlock = errors.New("transport: would block")

// ErrConnectionLost is returned when the peer closed the socket
// (a zero-length read) while a receive or send was in progress.
var ErrConnectionLost = errors.New("transport: connection lost")

// Socket is the non-blocking byte-stream collaborator a Transport drives.
// Read/Write follow the ErrWouldBlock sentinel contract above; any other
// error is fatal and propagates out of DoTransfer.
type Socket interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
}

// RecvState is the receive half of the transport state machine.
type RecvState int

const (
	RecvNoMsg RecvState = iota
	RecvHdr
	RecvPayload
	Received
)

func (s RecvState) String() string {
	switch s {
	case RecvNoMsg:
		return "NoMsg"
	case RecvHdr:
		return "RecvHdr"
	case RecvPayload:
		return "RecvPayload"
	case Received:
		return "Received"
	default:
		return "Unknown"
	}
}

// SendState is the send half of the transport state machine.
type SendState int

const (
	SendNoPacket SendState = iota
	SendSending
)

// Transport drives partial header/payload reads and writes for one socket.
// Receiving and sending progress independently; only one message is ever
// in flight per direction.
type Transport struct {
	sock Socket

	recvState     RecvState
	hdrBuf        [wire.HeaderSize]byte
	hdrFilled     int
	header        wire.Header
	payloadBuf    []byte
	payloadFilled int
	received      *wire.Message

	sendState SendState
	sendBuf   []byte
	sendOff   int
}

// New wraps sock in a fresh Transport with no receive or send in progress.
func New(sock Socket) *Transport {
	return &Transport{sock: sock}
}

// IsReceiving reports whether a receive is in progress (including Received,
// i.e. complete but not yet taken).
func (t *Transport) IsReceiving() bool { return t.recvState != RecvNoMsg }

// DoneReceiving reports whether the in-progress receive has completed.
func (t *Transport) DoneReceiving() bool { return t.recvState == Received }

// IsSending reports whether a send is in progress.
func (t *Transport) IsSending() bool { return t.sendState == SendSending }

// BeginRecv transitions NoMsg -> RecvHdr. A no-op if already receiving.
func (t *Transport) BeginRecv() {
	if t.recvState != RecvNoMsg {
		return
	}
	t.recvState = RecvHdr
	t.hdrFilled = 0
}

// SendMessage transitions NoPacket -> Sending with m encoded (including its
// header). Returns an error if a send is already in progress.
func (t *Transport) SendMessage(m *wire.Message) error {
	if t.sendState == SendSending {
		return fmt.Errorf("transport: send already in progress")
	}
	t.sendBuf = m.Encode(true)
	t.sendOff = 0
	t.sendState = SendSending
	return nil
}

// TakeReceived returns the completed message and resets to NoMsg. Valid
// only when DoneReceiving is true.
func (t *Transport) TakeReceived() (*wire.Message, error) {
	if t.recvState != Received {
		return nil, fmt.Errorf("transport: take-received called with no message ready")
	}
	m := t.received
	t.received = nil
	t.recvState = RecvNoMsg
	return m, nil
}

// DoTransfer runs the state machine for one select turn: readable drives
// the receive half, writable drives the send half. Either, both, or
// neither may progress on a given turn.
func (t *Transport) DoTransfer(readable, writable bool) error {
	if readable {
		if err := t.onReadable(); err != nil {
			return err
		}
	}
	if writable {
		if err := t.onWritable(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) onReadable() error {
	switch t.recvState {
	case RecvNoMsg, Received:
		return nil
	case RecvHdr:
		n, err := t.sock.Read(t.hdrBuf[t.hdrFilled:])
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n == 0 {
			return ErrConnectionLost
		}
		t.hdrFilled += n
		if t.hdrFilled < wire.HeaderSize {
			return nil
		}
		h, err := wire.ParseHeader(t.hdrBuf[:])
		if err != nil {
			return err
		}
		if h.PayloadSize > wire.MaxPayloadSize {
			return wire.ErrPayloadTooLarge
		}
		t.header = h
		if h.PayloadSize > 0 {
			t.payloadBuf = make([]byte, h.PayloadSize)
			t.payloadFilled = 0
			t.recvState = RecvPayload
			return nil
		}
		t.received = &wire.Message{Header: h}
		t.recvState = Received
		return nil
	case RecvPayload:
		n, err := t.sock.Read(t.payloadBuf[t.payloadFilled:])
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n == 0 {
			return ErrConnectionLost
		}
		t.payloadFilled += n
		if t.payloadFilled < len(t.payloadBuf) {
			return nil
		}
		elems, err := wire.ParsePayload(t.payloadBuf)
		if err != nil {
			return err
		}
		t.received = &wire.Message{Header: t.header, Elements: elems}
		t.recvState = Received
		return nil
	default:
		return nil
	}
}

func (t *Transport) onWritable() error {
	if t.sendState != SendSending {
		return nil
	}
	n, err := t.sock.Write(t.sendBuf[t.sendOff:])
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		return err
	}
	if n == 0 {
		return ErrConnectionLost
	}
	t.sendOff += n
	if t.sendOff >= len(t.sendBuf) {
		t.sendState = SendNoPacket
		t.sendBuf = nil
		t.sendOff = 0
	}
	return nil
}

// Selectable is the subset of selector.Selector a Transport needs in order
// to register its readiness interest, kept narrow so transport does not
// import the selector package directly.
type Selectable interface {
	AddRead(fd int)
	AddWrite(fd int)
}

// UpdateSelector adds fd to sel's read set when receiving-and-not-done, and
// to its write set when sending (§4.3).
func (t *Transport) UpdateSelector(sel Selectable, fd int) {
	if t.IsReceiving() && !t.DoneReceiving() {
		sel.AddRead(fd)
	}
	if t.IsSending() {
		sel.AddWrite(fd)
	}
}
