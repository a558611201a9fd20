package threadchan

import (
	"fmt"
	"testing"
	"time"

	"github.com/anp-project/anp/internal/rendezvous"
	"github.com/anp-project/anp/internal/selector"
	"github.com/anp-project/anp/pkg/wire"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	return fds[0], fds[1]
}

func pump(t *testing.T, steps int, channels ...*Channel) {
	t.Helper()
	for i := 0; i < steps; i++ {
		sel := selector.New()
		for _, c := range channels {
			if err := c.BeforeSelect(sel); err != nil {
				t.Fatalf("BeforeSelect: %v", err)
			}
		}
		sel.SetTimeoutUs(50_000)
		if err := sel.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, c := range channels {
			if _, _, err := c.AfterSelect(sel); err != nil {
				t.Fatalf("AfterSelect: %v", err)
			}
		}
	}
}

func TestHandshakeSuccessAndExchange(t *testing.T) {
	clientFd, serverFd := socketpair(t)

	secret := [rendezvous.SecretLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	// Drive the handshake directly: skip startConnect (no real rendezvous
	// file/listener in this unit test) and seed the two channels already
	// past Connecting, as if the TCP connect had just succeeded.
	client := &Channel{kind: ClientKind, state: Handshake, fd: clientFd, localSecret: secret}
	server := NewServer(serverFd, secret, DefaultHandshakeTimeout)

	pump(t, 20, client, server)

	if client.State() != Open {
		t.Fatalf("client state = %s, want Open", client.State())
	}
	if server.State() != Open {
		t.Fatalf("server state = %s, want Open", server.State())
	}

	msg := &wire.Message{
		Header:   wire.Header{ID: 1, Type: wire.MakeType(wire.FamilyANP, wire.RoleCommand, 100)},
		Elements: []wire.Element{wire.StrElem("ping")},
	}
	if err := client.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var received []*wire.Message
	for i := 0; i < 20 && len(received) == 0; i++ {
		sel := selector.New()
		if err := client.BeforeSelect(sel); err != nil {
			t.Fatalf("BeforeSelect: %v", err)
		}
		if err := server.BeforeSelect(sel); err != nil {
			t.Fatalf("BeforeSelect: %v", err)
		}
		sel.SetTimeoutUs(50_000)
		if err := sel.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if _, _, err := client.AfterSelect(sel); err != nil {
			t.Fatalf("client AfterSelect: %v", err)
		}
		_, got, err := server.AfterSelect(sel)
		if err != nil {
			t.Fatalf("server AfterSelect: %v", err)
		}
		received = append(received, got...)
	}
	if len(received) != 1 {
		t.Fatalf("received %d messages, want 1", len(received))
	}
	s, _ := received[0].Elements[0].Str()
	if s != "ping" {
		t.Errorf("payload = %q, want %q", s, "ping")
	}
}

func TestHandshakeMismatchFails(t *testing.T) {
	clientFd, serverFd := socketpair(t)

	clientSecret := [rendezvous.SecretLen]byte{1, 2, 3}
	serverSecret := [rendezvous.SecretLen]byte{9, 9, 9}

	client := &Channel{kind: ClientKind, state: Handshake, fd: clientFd, localSecret: clientSecret}
	server := NewServer(serverFd, serverSecret, DefaultHandshakeTimeout)

	var serverErr error
	for i := 0; i < 20 && serverErr == nil; i++ {
		sel := selector.New()
		if err := client.BeforeSelect(sel); err != nil {
			t.Fatalf("client BeforeSelect: %v", err)
		}
		if err := server.BeforeSelect(sel); err != nil {
			t.Fatalf("server BeforeSelect: %v", err)
		}
		sel.SetTimeoutUs(50_000)
		if err := sel.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if _, _, err := client.AfterSelect(sel); err != nil {
			break
		}
		_, _, serverErr = server.AfterSelect(sel)
	}
	if serverErr == nil {
		t.Fatal("server handshake with wrong secret: want error, got nil")
	}
}

func TestServerHandshakeTimesOut(t *testing.T) {
	_, serverFd := socketpair(t)
	server := NewServer(serverFd, [rendezvous.SecretLen]byte{}, DefaultHandshakeTimeout)
	server.hsDeadline = time.Now().Add(-time.Millisecond) // already expired

	sel := selector.New()
	if err := server.BeforeSelect(sel); err != nil {
		t.Fatalf("BeforeSelect: %v", err)
	}
	if err := sel.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	_, _, err := server.AfterSelect(sel)
	if err == nil {
		t.Fatal("expired handshake deadline: want error, got nil")
	}
}

func TestEnqueueRejectedWhenNotOpen(t *testing.T) {
	c := NewClient("/nonexistent")
	if err := c.Enqueue(&wire.Message{}); err == nil {
		t.Error("Enqueue on non-Open channel: want error, got nil")
	}
}

func TestCloseIsMonotonicAndIdempotent(t *testing.T) {
	_, serverFd := socketpair(t)
	c := NewServer(serverFd, [rendezvous.SecretLen]byte{}, DefaultHandshakeTimeout)
	c.Close(nil)
	if c.State() != Closed {
		t.Fatalf("state = %s, want Closed", c.State())
	}
	c.Close(fmt.Errorf("second close should be a no-op"))
	if c.CloseErr() != nil {
		t.Error("second Close must not overwrite closeErr")
	}
}
