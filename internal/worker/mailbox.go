package worker

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// task is a callable the owner thread posts for the worker to run on its
// own thread (§4.4 step 7).
type task func()

// mailbox is the thread-safe broker->worker FIFO (§4.4, §5). Posting also
// writes one byte to a self-pipe so a blocked select() wakes promptly.
type mailbox struct {
	mu        sync.Mutex
	tasks     []task
	wakeWrite int
}

// newMailbox creates a mailbox that wakes the worker by writing to
// wakeWriteFd (the write end of the worker's self-pipe).
func newMailbox(wakeWriteFd int) *mailbox {
	return &mailbox{wakeWrite: wakeWriteFd}
}

// post enqueues t and wakes the worker.
func (m *mailbox) post(t task) {
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
	_, _ = unix.Write(m.wakeWrite, []byte{0})
}

// drain removes and returns all queued tasks.
func (m *mailbox) drain() []task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return nil
	}
	t := m.tasks
	m.tasks = nil
	return t
}

// selfPipe is a non-blocking pipe used purely to wake a blocked select().
type selfPipe struct {
	readFd, writeFd int
}

func newSelfPipe() (*selfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("worker: create self-pipe: %w", err)
	}
	return &selfPipe{readFd: fds[0], writeFd: fds[1]}, nil
}

// drain reads and discards any queued wake-up bytes, non-blocking, best
// effort (§4.4 step 5).
func (p *selfPipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.readFd, buf[:])
		if err != nil || n == 0 {
			return
		}
		if n < len(buf) {
			return
		}
	}
}

func (p *selfPipe) close() {
	unix.Close(p.readFd)
	unix.Close(p.writeFd)
}
