// Package broker implements the owner-thread façade (§4.9): the
// user-facing object that starts and stops the Worker, maintains the set
// of logical channels, and fans Worker->Broker callbacks out into
// Channel/Query events.
package broker

import (
	"fmt"
	"sync"

	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/worker"
	"github.com/anp-project/anp/pkg/anperr"
	"github.com/anp-project/anp/pkg/wire"
)

// workerHandle is the subset of ServerWorker/ClientWorker the Broker
// drives. Both satisfy it via base's promoted PostTask/RequestCancel/
// EnqueueOn methods plus their own Run.
type workerHandle interface {
	Run()
	PostTask(fn func())
	RequestCancel()
	EnqueueOn(id uint64, msg *wire.Message) error
}

// Option configures a Broker during construction.
type Option func(*Broker)

// WithOnChannelOpen registers the callback fired when a new channel opens
// (§4.9's on_channel_open). It runs on the broker's dispatch goroutine; set
// Channel.OnIncomingQuery etc. from within it before returning.
func WithOnChannelOpen(fn func(*Channel)) Option {
	return func(b *Broker) { b.onChannelOpen = fn }
}

// WithOnExit registers the callback fired once, when the worker thread
// terminates (§4.9's on_close, at the broker level).
func WithOnExit(fn func(error)) Option {
	return func(b *Broker) { b.onExit = fn }
}

// WithErrorSink registers where broker-side dispatch errors are routed
// (§7's "pluggable error sink collaborator"): a panic raised by a handler
// while the broker dispatches received messages is recovered and passed
// here, and dispatch goes on. The default discards them.
func WithErrorSink(fn func(error)) Option {
	return func(b *Broker) { b.errSink = fn }
}

// WithServerOptions forwards ServerWorkerOptions (rendezvous directory,
// handshake timeout) to the underlying ServerWorker. Only meaningful on a
// Broker built with NewServer.
func WithServerOptions(opts ...worker.ServerWorkerOption) Option {
	return func(b *Broker) { b.serverOpts = opts }
}

// Broker is the owning thread's façade over a Worker. The zero value is
// not usable; construct with NewServer or NewClient.
type Broker struct {
	mu        sync.Mutex
	started   bool
	exited    bool
	worker    workerHandle
	dispatch  *worker.ChanDispatcher
	done      chan struct{}
	channels  map[uint64]*Channel
	cancelled bool

	sink logsink.Sink

	newWorker func(worker.Dispatcher, worker.Callbacks) (workerHandle, error)

	onChannelOpen func(*Channel)
	onExit        func(error)
	errSink       func(error)
	serverOpts    []worker.ServerWorkerOption
}

func newBroker(sink logsink.Sink, opts ...Option) *Broker {
	if sink == nil {
		sink = logsink.NewNop()
	}
	b := &Broker{
		sink:     sink,
		channels: make(map[uint64]*Channel),
		errSink:  func(error) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewServer constructs a server-role Broker. Call Start to bind the
// loopback listener and publish the rendezvous file.
func NewServer(sink logsink.Sink, opts ...Option) *Broker {
	b := newBroker(sink, opts...)
	b.newWorker = func(disp worker.Dispatcher, cb worker.Callbacks) (workerHandle, error) {
		return worker.NewServerWorker(disp, cb, sink, b.serverOpts...)
	}
	return b
}

// NewClient constructs a client-role Broker reading rendezvousPath. Call
// Start, then RequestConnect to attempt a connection.
func NewClient(rendezvousPath string, sink logsink.Sink, opts ...Option) *Broker {
	b := newBroker(sink, opts...)
	b.newWorker = func(disp worker.Dispatcher, cb worker.Callbacks) (workerHandle, error) {
		return worker.NewClientWorker(disp, cb, sink, rendezvousPath)
	}
	return b
}

// Start constructs and starts the worker (§4.9). Idempotent: a second call
// returns an error rather than starting a second worker.
func (b *Broker) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("broker: already started")
	}
	disp := worker.NewChanDispatcher(256)
	w, err := b.newWorker(disp, b)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("broker: start worker: %w", err)
	}
	b.started = true
	b.worker = w
	b.dispatch = disp
	b.done = make(chan struct{})
	b.mu.Unlock()

	go w.Run()
	go disp.Run(b.done)
	return nil
}

// RequestConnect asks a client-role Broker's worker to attempt a new
// channel on its next turn. It is a no-op (but not an error) on a
// server-role Broker or before Start.
func (b *Broker) RequestConnect() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	if cw, ok := w.(*worker.ClientWorker); ok {
		cw.RequestConnect()
	}
}

// TryStop sets cancellation on the worker and synthesizes an "interrupted"
// closure on every open channel. It returns true iff the worker has
// already exited; otherwise the caller should wait for the on-exit
// callback and may re-invoke (§4.9).
func (b *Broker) TryStop() bool {
	b.mu.Lock()
	w := b.worker
	exited := b.exited
	b.cancelled = true
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	if w != nil {
		w.RequestCancel()
	}
	interrupted := anperr.Wrap(anperr.Interrupted, "broker: interrupted")
	for _, ch := range chans {
		ch.forceClose(interrupted)
	}
	return exited
}

// postMessage implements the poster interface Channel uses: it posts a
// task into the worker's mailbox that enqueues msg on the named channel.
func (b *Broker) postMessage(channelID uint64, msg *wire.Message) {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	if w == nil {
		return
	}
	w.PostTask(func() {
		if err := w.EnqueueOn(channelID, msg); err != nil {
			b.sink.Log(logsink.Warn, "post to closed channel", logsink.F("channel", channelID), logsink.F("err", err))
		}
	})
}

// ChannelOpened implements worker.Callbacks (§4.9): constructs a
// broker-side channel and fires OnChannelOpen, unless cancellation is in
// flight.
func (b *Broker) ChannelOpened(id uint64) {
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		return
	}
	ch := newChannel(id, b)
	b.channels[id] = ch
	onOpen := b.onChannelOpen
	b.mu.Unlock()

	if onOpen != nil {
		onOpen(ch)
	}
}

// ChannelClosed implements worker.Callbacks (§4.9): closes the
// broker-side channel with an "EAnp-connection lost" error.
func (b *Broker) ChannelClosed(id uint64, err error) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	delete(b.channels, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	msg := "broker: connection lost"
	if err != nil {
		msg = fmt.Sprintf("broker: connection lost: %v", err)
	}
	ch.forceClose(anperr.Wrap(anperr.ConnLost, msg))
}

// MessagesReceived implements worker.Callbacks (§4.9): dispatches each
// message via the channel it arrived on.
func (b *Broker) MessagesReceived(id uint64, msgs []*wire.Message) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, m := range msgs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.errSink(fmt.Errorf("broker: channel %d: handler panic: %v", id, r))
				}
			}()
			ch.dispatch(m)
		}()
	}
}

// WorkerExited implements worker.Callbacks: fires every remaining
// channel's close, then the on-exit callback, exactly once.
func (b *Broker) WorkerExited(err error) {
	b.mu.Lock()
	b.exited = true
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.channels = make(map[uint64]*Channel)
	onExit := b.onExit
	done := b.done
	b.mu.Unlock()

	closeErr := anperr.Wrap(anperr.Interrupted, "broker: worker exited")
	for _, ch := range chans {
		ch.forceClose(closeErr)
	}
	if onExit != nil {
		onExit(err)
	}
	if done != nil {
		close(done)
	}
}
