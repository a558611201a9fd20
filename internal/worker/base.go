package worker

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/selector"
	"github.com/anp-project/anp/internal/threadchan"
	"github.com/anp-project/anp/pkg/wire"
)

// ErrCancelled is returned by turn when the owner thread requested
// cancellation (§4.4 step 6); it is not itself a fatal error.
var ErrCancelled = errors.New("worker: cancelled")

// base holds the select/dispatch loop mechanics (§4.4) shared by
// ServerWorker and ClientWorker: the self-pipe, the mailbox, the owned
// channel set, and the cooperative cancellation flag.
type base struct {
	pipe       *selfPipe
	mbox       *mailbox
	channels   map[uint64]*threadchan.Channel
	nextID     uint64
	cancelFlag int32

	dispatcher Dispatcher
	callbacks  Callbacks
	sink       logsink.Sink

	// removeHook, if set, is called whenever a channel id leaves the
	// channels map, letting a subclass (ClientWorker) track "my one
	// channel" bookkeeping without base knowing about it.
	removeHook func(id uint64)
}

func newBase(dispatcher Dispatcher, callbacks Callbacks, sink logsink.Sink) (*base, error) {
	pipe, err := newSelfPipe()
	if err != nil {
		return nil, err
	}
	return &base{
		pipe:       pipe,
		channels:   make(map[uint64]*threadchan.Channel),
		dispatcher: dispatcher,
		callbacks:  callbacks,
		sink:       sink,
		mbox:       newMailbox(pipe.writeFd),
	}, nil
}

// PostTask enqueues fn to run on the worker thread (owner -> worker, §4.4).
func (b *base) PostTask(fn func()) { b.mbox.post(fn) }

// RequestCancel sets the cooperative cancellation flag (owner -> worker,
// §5's single published atomic) and, on the first call, wakes the worker
// so a select blocked with no timeout observes it.
func (b *base) RequestCancel() {
	if atomic.CompareAndSwapInt32(&b.cancelFlag, 0, 1) {
		b.mbox.post(func() {})
	}
}

func (b *base) cancelled() bool { return atomic.LoadInt32(&b.cancelFlag) == 1 }

// turn runs one iteration of the loop in §4.4: build a selector, let every
// channel contribute (plus beforeExtra, e.g. the listening socket), wait,
// drain the wake-up pipe, check cancellation, drain the mailbox, let every
// channel react (plus afterExtra, e.g. accept). A non-nil, non-ErrCancelled
// return is fatal to the caller's loop.
func (b *base) turn(beforeExtra, afterExtra func(*selector.Selector) error) error {
	sel := selector.New()
	sel.AddRead(b.pipe.readFd)

	if beforeExtra != nil {
		if err := beforeExtra(sel); err != nil {
			return err
		}
	}
	for id, ch := range b.channels {
		if err := ch.BeforeSelect(sel); err != nil {
			b.failChannel(id, err)
		}
	}

	if err := sel.Wait(); err != nil {
		return err
	}

	b.pipe.drain()

	if b.cancelled() {
		return ErrCancelled
	}

	for _, fn := range b.mbox.drain() {
		fn()
	}

	for id, ch := range b.channels {
		opened, received, err := ch.AfterSelect(sel)
		if err != nil {
			b.failChannel(id, err)
			continue
		}
		if opened {
			b.notifyOpened(id)
		}
		if len(received) > 0 {
			b.notifyReceived(id, received)
		}
	}

	if afterExtra != nil {
		if err := afterExtra(sel); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueOn queues msg for sending on the owned channel id. It must only be
// called from within a task posted to this worker (i.e. on the worker
// thread); the broker arranges this via PostTask.
func (b *base) EnqueueOn(id uint64, msg *wire.Message) error {
	ch, ok := b.channels[id]
	if !ok {
		return fmt.Errorf("worker: unknown channel %d", id)
	}
	return ch.Enqueue(msg)
}

func (b *base) addChannel(ch *threadchan.Channel) uint64 {
	b.nextID++
	id := b.nextID
	ch.SetID(id)
	b.channels[id] = ch
	return id
}

func (b *base) failChannel(id uint64, err error) {
	ch, ok := b.channels[id]
	if !ok {
		return
	}
	ch.Close(err)
	delete(b.channels, id)
	if b.removeHook != nil {
		b.removeHook(id)
	}
	b.sink.Log(logsink.Warn, "channel closed", logsink.F("id", id), logsink.F("err", err))
	b.dispatcher.Submit(func() { b.callbacks.ChannelClosed(id, err) })
}

func (b *base) notifyOpened(id uint64) {
	b.dispatcher.Submit(func() { b.callbacks.ChannelOpened(id) })
}

func (b *base) notifyReceived(id uint64, msgs []*wire.Message) {
	b.dispatcher.Submit(func() { b.callbacks.MessagesReceived(id, msgs) })
}

// closeAll synthesizes a close on every owned channel, e.g. on shutdown.
func (b *base) closeAll(err error) {
	for id, ch := range b.channels {
		id := id
		ch.Close(err)
		delete(b.channels, id)
		if b.removeHook != nil {
			b.removeHook(id)
		}
		b.dispatcher.Submit(func() { b.callbacks.ChannelClosed(id, err) })
	}
}
