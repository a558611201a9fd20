package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/rendezvous"
	"github.com/anp-project/anp/pkg/wire"
)

type recordingCallbacks struct {
	mu       sync.Mutex
	opened   []uint64
	closed   []uint64
	received map[uint64][]*wire.Message
	exited   []error
	exitedCh chan struct{}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		received: make(map[uint64][]*wire.Message),
		exitedCh: make(chan struct{}),
	}
}

func (r *recordingCallbacks) ChannelOpened(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, id)
}

func (r *recordingCallbacks) ChannelClosed(id uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

func (r *recordingCallbacks) MessagesReceived(id uint64, msgs []*wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[id] = append(r.received[id], msgs...)
}

func (r *recordingCallbacks) WorkerExited(err error) {
	r.mu.Lock()
	r.exited = append(r.exited, err)
	r.mu.Unlock()
	close(r.exitedCh)
}

func (r *recordingCallbacks) openedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

// TestServerClientEndToEnd drives a real ServerWorker and ClientWorker
// against each other through the loopback rendezvous handshake until both
// sides report the channel open, then shuts both workers down.
func TestServerClientEndToEnd(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	sdisp := NewChanDispatcher(8)
	scb := newRecordingCallbacks()
	sw, err := NewServerWorker(sdisp, scb, logsink.NewNop())
	if err != nil {
		t.Fatalf("NewServerWorker: %v", err)
	}
	go sw.Run()
	t.Cleanup(sw.RequestCancel)

	// Give the server a moment to bind and publish the rendezvous file.
	path, err := rendezvous.Path()
	if err != nil {
		t.Fatalf("rendezvous.Path: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := rendezvous.Read(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rendezvous file never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cdisp := NewChanDispatcher(8)
	ccb := newRecordingCallbacks()
	cw, err := NewClientWorker(cdisp, ccb, logsink.NewNop(), path)
	if err != nil {
		t.Fatalf("NewClientWorker: %v", err)
	}
	go cw.Run()
	t.Cleanup(cw.RequestCancel)

	cw.RequestConnect()

	deadline = time.Now().Add(2 * time.Second)
	for ccb.openedCount() == 0 || scb.openedCount() == 0 {
		sdisp.Pump()
		cdisp.Pump()
		if time.Now().After(deadline) {
			t.Fatalf("channels never opened: client=%d server=%d", ccb.openedCount(), scb.openedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	sw.RequestCancel()
	cw.RequestCancel()

	// WorkerExited reaches the callbacks only through the dispatchers.
	go sdisp.Run(scb.exitedCh)
	go cdisp.Run(ccb.exitedCh)
	<-ccb.exitedCh
	<-scb.exitedCh
}

func TestClientWorkerOwnsAtMostOneChannel(t *testing.T) {
	cb := newRecordingCallbacks()
	disp := NewChanDispatcher(8)
	cw, err := NewClientWorker(disp, cb, logsink.NewNop(), "/nonexistent/info.txt")
	if err != nil {
		t.Fatalf("NewClientWorker: %v", err)
	}

	cw.RequestConnect()
	cw.RequestConnect() // second request before the first resolves: ignored

	if err := cw.beforeConnect(nil); err != nil {
		t.Fatalf("beforeConnect: %v", err)
	}
	firstActive := cw.activeID
	if firstActive == 0 {
		t.Fatal("expected a channel to be claimed")
	}

	if err := cw.beforeConnect(nil); err != nil {
		t.Fatalf("beforeConnect (second): %v", err)
	}
	if len(cw.channels) != 1 {
		t.Fatalf("channels = %d, want 1 (client owns at most one at a time)", len(cw.channels))
	}
}
