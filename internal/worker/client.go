package worker

import (
	"errors"
	"sync/atomic"

	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/selector"
	"github.com/anp-project/anp/internal/threadchan"
)

// ClientWorker is the Worker loop's client role (§4.8): it owns at most one
// ThreadChannel at a time and only starts connecting when the broker sets
// the request-connect flag. Reconnection after a close is driven entirely
// by the owner thread calling RequestConnect again, never automatically.
type ClientWorker struct {
	*base

	rendezvousPath string
	requestConnect int32
	activeID       uint64 // 0 == none owned
}

// NewClientWorker constructs a ClientWorker that reads rendezvousPath on
// every connect attempt (§9).
func NewClientWorker(dispatcher Dispatcher, callbacks Callbacks, sink logsink.Sink, rendezvousPath string) (*ClientWorker, error) {
	b, err := newBase(dispatcher, callbacks, sink)
	if err != nil {
		return nil, err
	}
	w := &ClientWorker{base: b, rendezvousPath: rendezvousPath}
	w.removeHook = func(id uint64) {
		if w.activeID == id {
			w.activeID = 0
		}
	}
	return w, nil
}

// RequestConnect asks the worker to start a new channel on its next turn,
// provided it is not already owning one. Safe to call from the owner
// thread at any time; it wakes the worker so the next turn comes promptly.
func (w *ClientWorker) RequestConnect() {
	atomic.StoreInt32(&w.requestConnect, 1)
	w.PostTask(func() {})
}

// Run runs the select/dispatch loop until cancelled or a fatal error
// occurs. It blocks; callers run it on a dedicated goroutine. WorkerExited
// is always delivered exactly once, through the Dispatcher, before Run
// returns.
func (w *ClientWorker) Run() {
	var exitErr error
	for {
		err := w.turn(w.beforeConnect, nil)
		if err != nil {
			if !errors.Is(err, ErrCancelled) {
				exitErr = err
			}
			break
		}
	}
	w.cleanup()
	w.dispatcher.Submit(func() { w.callbacks.WorkerExited(exitErr) })
}

func (w *ClientWorker) beforeConnect(sel *selector.Selector) error {
	if w.activeID != 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&w.requestConnect, 1, 0) {
		return nil
	}
	ch := threadchan.NewClient(w.rendezvousPath)
	w.activeID = w.addChannel(ch)
	return nil
}

func (w *ClientWorker) cleanup() {
	w.closeAll(errors.New("worker: shutting down"))
	w.pipe.close()
}
