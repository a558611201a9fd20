package worker

import (
	"errors"
	"time"

	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/rendezvous"
	"github.com/anp-project/anp/internal/selector"
	"github.com/anp-project/anp/internal/threadchan"
	"github.com/anp-project/anp/pkg/transport"
	"golang.org/x/sys/unix"
)

// ServerWorker is the Worker loop's server role (§4.7): it owns the
// listening socket and the rendezvous file, accepts at most one new
// connection per turn, and hands every accepted fd to a new server-variant
// ThreadChannel.
type ServerWorker struct {
	*base

	listenFd         int
	rv               *rendezvous.Writer
	secret           [rendezvous.SecretLen]byte
	rendezvousDir    string // "" means the default per-user cache dir
	handshakeTimeout time.Duration
}

// ServerWorkerOption configures a ServerWorker at construction.
type ServerWorkerOption func(*ServerWorker)

// WithRendezvousDir overrides the directory the rendezvous file is
// written to (§9's config override). Default: the per-user cache dir.
func WithRendezvousDir(dir string) ServerWorkerOption {
	return func(w *ServerWorker) { w.rendezvousDir = dir }
}

// WithHandshakeTimeout overrides the server-side handshake deadline.
// Default: threadchan.DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) ServerWorkerOption {
	return func(w *ServerWorker) { w.handshakeTimeout = d }
}

// NewServerWorker constructs a ServerWorker. Run performs the listen/
// rendezvous startup itself; construction alone does no I/O.
func NewServerWorker(dispatcher Dispatcher, callbacks Callbacks, sink logsink.Sink, opts ...ServerWorkerOption) (*ServerWorker, error) {
	b, err := newBase(dispatcher, callbacks, sink)
	if err != nil {
		return nil, err
	}
	w := &ServerWorker{base: b, listenFd: -1, handshakeTimeout: threadchan.DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run binds the loopback listener, writes the rendezvous file, then runs
// the select/dispatch loop until cancelled or a fatal error occurs. It
// blocks; callers run it on a dedicated goroutine, per §4.1's
// single-worker-thread model. WorkerExited is always delivered exactly
// once, through the Dispatcher, before Run returns.
func (w *ServerWorker) Run() {
	if err := w.start(); err != nil {
		w.dispatcher.Submit(func() { w.callbacks.WorkerExited(err) })
		return
	}

	var exitErr error
	for {
		err := w.turn(w.beforeAccept, w.afterAccept)
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

// resolveRendezvousDir returns dir unless it's empty, in which case it
// resolves the default per-user cache directory.
func resolveRendezvousDir(dir string) string {
	if dir != "" {
		return dir
	}
	d, err := rendezvous.Dir()
	if err != nil {
		return dir
	}
	return d
}

func (w *ServerWorker) start() error {
	fd, port, err := transport.NewLoopbackListener(1)
	if err != nil {
		return err
	}
	w.listenFd = fd

	secret, err := rendezvous.GenerateSecret()
	if err != nil {
		unix.Close(fd)
		w.listenFd = -1
		return err
	}
	w.secret = secret

	rv, err := rendezvous.WriteIn(resolveRendezvousDir(w.rendezvousDir), port, secret)
	if err != nil {
		unix.Close(fd)
		w.listenFd = -1
		return err
	}
	w.rv = rv
	return nil
}

func (w *ServerWorker) beforeAccept(sel *selector.Selector) error {
	sel.AddRead(w.listenFd)
	return nil
}

// afterAccept accepts at most one pending connection per turn (§4.7).
// Accept failures are logged, not fatal: a misbehaving peer should not
// bring down the listener.
func (w *ServerWorker) afterAccept(sel *selector.Selector) error {
	if !sel.InRead(w.listenFd) {
		return nil
	}
	connFd, err := transport.AcceptNonblock(w.listenFd)
	if err != nil {
		if !errors.Is(err, transport.ErrWouldBlock) {
			w.sink.Log(logsink.Warn, "accept failed", logsink.F("err", err))
		}
		return nil
	}
	ch := threadchan.NewServer(connFd, w.secret, w.handshakeTimeout)
	w.addChannel(ch)
	return nil
}

func (w *ServerWorker) cleanup() {
	w.closeAll(errors.New("worker: shutting down"))
	if w.listenFd >= 0 {
		unix.Close(w.listenFd)
		w.listenFd = -1
	}
	if w.rv != nil {
		if err := w.rv.Close(); err != nil {
			w.sink.Log(logsink.Warn, "rendezvous cleanup failed", logsink.F("err", err))
		}
	}
	w.pipe.close()
}
