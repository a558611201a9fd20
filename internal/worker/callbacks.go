package worker

import "github.com/anp-project/anp/pkg/wire"

// Callbacks are the Worker->Broker notifications (§4.9), always submitted
// through a Dispatcher so they run on the owner thread.
type Callbacks interface {
	ChannelOpened(id uint64)
	ChannelClosed(id uint64, err error)
	MessagesReceived(id uint64, msgs []*wire.Message)
	WorkerExited(err error)
}
