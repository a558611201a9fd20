package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// RawSocket adapts a raw non-blocking file descriptor to the Socket
// interface, translating EAGAIN/EWOULDBLOCK into ErrWouldBlock and
// EINTR into an internal retry so callers never observe it.
type RawSocket struct {
	Fd int
}

// Read implements Socket.
func (s RawSocket) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(s.Fd, b)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("transport: read fd %d: %w", s.Fd, err)
	}
}

// Write implements Socket.
func (s RawSocket) Write(b []byte) (int, error) {
	for {
		n, err := unix.Write(s.Fd, b)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("transport: write fd %d: %w", s.Fd, err)
	}
}

// Close releases the underlying fd.
func (s RawSocket) Close() error {
	return unix.Close(s.Fd)
}

// NewLoopbackListener binds a non-blocking TCP socket to 127.0.0.1:0 (OS
// chooses the port) and starts listening with the given backlog (§4.7).
func NewLoopbackListener(backlog int) (fd int, port int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("transport: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("transport: set nonblock: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: 0}
	copy(addr.Addr[:], net.IPv4(127, 0, 0, 1).To4())
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("transport: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("transport: listen: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("transport: getsockname: %w", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("transport: unexpected sockaddr type %T", sa)
	}
	return fd, inet4.Port, nil
}

// AcceptNonblock accepts at most one pending connection on listenFd without
// blocking. It returns ErrWouldBlock when no connection is pending.
func AcceptNonblock(listenFd int) (connFd int, err error) {
	connFd, _, err = unix.Accept(listenFd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return -1, ErrWouldBlock
		}
		return -1, fmt.Errorf("transport: accept: %w", err)
	}
	if err := unix.SetNonblock(connFd, true); err != nil {
		unix.Close(connFd)
		return -1, fmt.Errorf("transport: set nonblock on accepted conn: %w", err)
	}
	return connFd, nil
}

// DialLoopbackNonblock starts a non-blocking connect to 127.0.0.1:port. A
// return of ErrWouldBlock is the expected "connection in progress" case;
// the caller must select for writability and then call
// PollConnectResult.
func DialLoopbackNonblock(port int) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("transport: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: set nonblock: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	copy(addr.Addr[:], net.IPv4(127, 0, 0, 1).To4())
	err = unix.Connect(fd, addr)
	if err == nil {
		return fd, nil
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return fd, ErrWouldBlock
	}
	unix.Close(fd)
	return -1, fmt.Errorf("transport: connect: %w", err)
}

// PollConnectResult checks whether a non-blocking connect succeeded, after
// the selector reports fd writable. A non-nil error means the connect
// failed ("could not connect", §4.5).
func PollConnectResult(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("transport: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("transport: connect failed: %w", unix.Errno(errno))
	}
	return nil
}
