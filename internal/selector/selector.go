// Package selector is a thin readiness-selection facade over non-blocking
// sockets (§4.2). It accumulates read/write/error fd sets and a timeout in
// microseconds, with Infinite as the "block forever" sentinel.
package selector

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Infinite is the sentinel timeout value meaning "block indefinitely".
const Infinite int64 = -1

// Selector accumulates readiness interest for a single Wait call. It is not
// safe for concurrent use; the Worker loop owns one per turn.
type Selector struct {
	read, write, errs map[int]struct{}
	timeoutUs         int64
	maxFd             int

	// populated by Wait; queried by InRead/InWrite/InReadOrWrite.
	readResult, writeResult, errResult unix.FdSet
}

// New returns an empty Selector with an infinite timeout.
func New() *Selector {
	return &Selector{
		read:      make(map[int]struct{}),
		write:     make(map[int]struct{}),
		errs:      make(map[int]struct{}),
		timeoutUs: Infinite,
		maxFd:     -1,
	}
}

// AddRead registers fd for readability. fd is implicitly added to the error
// set too, so connection failures are observed.
func (s *Selector) AddRead(fd int) {
	s.read[fd] = struct{}{}
	s.errs[fd] = struct{}{}
	s.track(fd)
}

// AddWrite registers fd for writability, and implicitly for errors.
func (s *Selector) AddWrite(fd int) {
	s.write[fd] = struct{}{}
	s.errs[fd] = struct{}{}
	s.track(fd)
}

func (s *Selector) track(fd int) {
	if fd > s.maxFd {
		s.maxFd = fd
	}
}

// SetTimeoutUs sets the wait timeout in microseconds, or Infinite.
func (s *Selector) SetTimeoutUs(us int64) {
	s.timeoutUs = us
}

// LowerTimeoutMs shrinks the stored timeout to at most ms milliseconds,
// converted to microseconds. It never increases the stored timeout.
func (s *Selector) LowerTimeoutMs(ms int64) {
	us := ms * 1000
	if us < 0 {
		us = 0
	}
	if s.timeoutUs == Infinite || us < s.timeoutUs {
		s.timeoutUs = us
	}
}

// Wait blocks until a registered fd is ready or the timeout elapses. A
// select(2) failure is fatal to the caller (the worker thread) except for
// EINTR, which is retried: the raw syscall does not restart itself, and
// Go's async goroutine preemption (SIGURG) can interrupt a blocked select
// with EINTR even with no signal of the caller's own, matching the same
// EINTR-retry RawSocket.Read/Write already do.
func (s *Selector) Wait() error {
	var timeout *unix.Timeval
	if s.timeoutUs != Infinite {
		tv := unix.NsecToTimeval(s.timeoutUs * 1000)
		timeout = &tv
	}

	for {
		var rset, wset, eset unix.FdSet
		for fd := range s.read {
			fdSet(&rset, fd)
		}
		for fd := range s.write {
			fdSet(&wset, fd)
		}
		for fd := range s.errs {
			fdSet(&eset, fd)
		}

		_, err := unix.Select(s.maxFd+1, &rset, &wset, &eset, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("selector: select: %w", err)
		}

		s.readResult, s.writeResult, s.errResult = rset, wset, eset
		return nil
	}
}

// InRead reports whether fd is readable or errored.
func (s *Selector) InRead(fd int) bool {
	return fdIsSet(&s.readResult, fd) || fdIsSet(&s.errResult, fd)
}

// InWrite reports whether fd is writable or errored.
func (s *Selector) InWrite(fd int) bool {
	return fdIsSet(&s.writeResult, fd) || fdIsSet(&s.errResult, fd)
}

// InReadOrWrite reports whether fd is readable, writable, or errored.
func (s *Selector) InReadOrWrite(fd int) bool {
	return s.InRead(fd) || s.InWrite(fd)
}

// fdSet sets bit fd in an unix.FdSet.
func fdSet(set *unix.FdSet, fd int) {
	idx := fd / 64
	bit := uint(fd % 64)
	set.Bits[idx] |= 1 << bit
}

// fdIsSet reports whether bit fd is set in an unix.FdSet.
func fdIsSet(set *unix.FdSet, fd int) bool {
	idx := fd / 64
	bit := uint(fd % 64)
	return set.Bits[idx]&(1<<bit) != 0
}
