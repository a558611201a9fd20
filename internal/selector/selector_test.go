package selector

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWaitReportsReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	s := New()
	s.AddRead(fds[0])
	s.SetTimeoutUs(int64(time.Second / time.Microsecond))

	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !s.InRead(fds[0]) {
		t.Error("InRead(fds[0]) = false, want true")
	}
	if s.InRead(fds[1]) {
		t.Error("InRead(fds[1]) = true, want false (not registered)")
	}
}

func TestLowerTimeoutMsNeverIncreases(t *testing.T) {
	s := New()
	s.SetTimeoutUs(5_000_000) // 5s
	s.LowerTimeoutMs(10_000)  // 10s: should not increase
	if s.timeoutUs != 5_000_000 {
		t.Errorf("timeoutUs = %d, want unchanged 5_000_000", s.timeoutUs)
	}
	s.LowerTimeoutMs(100) // 100ms: should shrink
	if s.timeoutUs != 100_000 {
		t.Errorf("timeoutUs = %d, want 100_000", s.timeoutUs)
	}
}

func TestLowerTimeoutMsFromInfinite(t *testing.T) {
	s := New()
	s.LowerTimeoutMs(250)
	if s.timeoutUs != 250_000 {
		t.Errorf("timeoutUs = %d, want 250_000", s.timeoutUs)
	}
}

func TestWaitTimesOutWithNoActivity(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	s := New()
	s.AddRead(fds[0])
	s.SetTimeoutUs(10_000) // 10ms

	start := time.Now()
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.InRead(fds[0]) {
		t.Error("InRead = true, want false: nothing was written")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait took %v, want well under 1s", elapsed)
	}
}
