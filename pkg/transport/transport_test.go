package transport

import (
	"bytes"
	"testing"

	"github.com/anp-project/anp/pkg/wire"
)

// fakeSocket is an in-memory Socket that dribbles bytes out a few at a
// time, so tests exercise partial-read/write behavior the same way a real
// non-blocking fd would.
type fakeSocket struct {
	inbox     []byte
	readChunk int // bytes to return per Read call; 0 means ErrWouldBlock

	outbox     bytes.Buffer
	writeChunk int
}

func (s *fakeSocket) Read(b []byte) (int, error) {
	if s.readChunk == 0 || len(s.inbox) == 0 {
		return 0, ErrWouldBlock
	}
	n := s.readChunk
	if n > len(b) {
		n = len(b)
	}
	if n > len(s.inbox) {
		n = len(s.inbox)
	}
	copy(b, s.inbox[:n])
	s.inbox = s.inbox[n:]
	return n, nil
}

func (s *fakeSocket) Write(b []byte) (int, error) {
	if s.writeChunk == 0 {
		return 0, ErrWouldBlock
	}
	n := s.writeChunk
	if n > len(b) {
		n = len(b)
	}
	s.outbox.Write(b[:n])
	return n, nil
}

func TestTransportReceivesInPartialChunks(t *testing.T) {
	msg := &wire.Message{
		Header:   wire.Header{ID: 7, Type: wire.MakeType(wire.FamilyANP, wire.RoleCommand, 1)},
		Elements: []wire.Element{wire.StrElem("ping")},
	}
	encoded := msg.Encode(true)

	sock := &fakeSocket{inbox: encoded, readChunk: 3}
	tr := New(sock)
	tr.BeginRecv()

	for !tr.DoneReceiving() {
		if err := tr.DoTransfer(true, false); err != nil {
			t.Fatalf("DoTransfer: %v", err)
		}
	}

	got, err := tr.TakeReceived()
	if err != nil {
		t.Fatalf("TakeReceived: %v", err)
	}
	if got.Header.ID != 7 {
		t.Errorf("ID = %d, want 7", got.Header.ID)
	}
	s, _ := got.Elements[0].Str()
	if s != "ping" {
		t.Errorf("element = %q, want %q", s, "ping")
	}
}

func TestTransportSendsInPartialChunks(t *testing.T) {
	msg := &wire.Message{Header: wire.Header{ID: 99}, Elements: []wire.Element{wire.U32Elem(5)}}

	sock := &fakeSocket{writeChunk: 4}
	tr := New(sock)
	if err := tr.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for tr.IsSending() {
		if err := tr.DoTransfer(false, true); err != nil {
			t.Fatalf("DoTransfer: %v", err)
		}
	}

	want := msg.Encode(true)
	if !bytes.Equal(sock.outbox.Bytes(), want) {
		t.Errorf("written bytes = % X, want % X", sock.outbox.Bytes(), want)
	}
}

func TestAtMostOneInFlightPerDirection(t *testing.T) {
	sock := &fakeSocket{writeChunk: 1}
	tr := New(sock)
	msg := &wire.Message{Header: wire.Header{ID: 1}}
	if err := tr.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := tr.SendMessage(msg); err == nil {
		t.Error("second SendMessage while sending: want error, got nil")
	}

	tr.BeginRecv()
	tr.BeginRecv() // no-op, must not panic or reset partial progress
	if !tr.IsReceiving() {
		t.Error("IsReceiving = false after BeginRecv")
	}
}

type eofSocket struct{}

func (eofSocket) Read(b []byte) (int, error)  { return 0, nil }
func (eofSocket) Write(b []byte) (int, error) { return 0, nil }

func TestZeroReadIsConnectionLost(t *testing.T) {
	tr := New(eofSocket{})
	tr.BeginRecv()
	err := tr.DoTransfer(true, false)
	if err != ErrConnectionLost {
		t.Fatalf("DoTransfer error = %v, want ErrConnectionLost", err)
	}
}

func TestOversizePayloadIsFramingError(t *testing.T) {
	hdr := make([]byte, wire.HeaderSize)
	big := uint32(wire.MaxPayloadSize) + 1
	hdr[20], hdr[21], hdr[22], hdr[23] = byte(big>>24), byte(big>>16), byte(big>>8), byte(big)

	sock := &fakeSocket{inbox: hdr, readChunk: len(hdr)}
	tr := New(sock)
	tr.BeginRecv()
	err := tr.DoTransfer(true, false)
	if err != wire.ErrPayloadTooLarge {
		t.Fatalf("DoTransfer error = %v, want ErrPayloadTooLarge", err)
	}
}

type selectorSpy struct {
	readFds, writeFds []int
}

func (s *selectorSpy) AddRead(fd int)  { s.readFds = append(s.readFds, fd) }
func (s *selectorSpy) AddWrite(fd int) { s.writeFds = append(s.writeFds, fd) }

func TestUpdateSelectorReflectsState(t *testing.T) {
	sock := &fakeSocket{writeChunk: 0}
	tr := New(sock)
	tr.BeginRecv()
	if err := tr.SendMessage(&wire.Message{Header: wire.Header{ID: 1}}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	spy := &selectorSpy{}
	tr.UpdateSelector(spy, 42)
	if len(spy.readFds) != 1 || spy.readFds[0] != 42 {
		t.Errorf("readFds = %v, want [42]", spy.readFds)
	}
	if len(spy.writeFds) != 1 || spy.writeFds[0] != 42 {
		t.Errorf("writeFds = %v, want [42]", spy.writeFds)
	}
}
