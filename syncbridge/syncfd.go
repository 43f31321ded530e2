// Package syncbridge maps fences and semaphores onto sync-fds and orders encoders that share an
// object.
package syncbridge

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// InvalidFD is the sync-fd value of a payload that is already signaled
const InvalidFD = -1

// MaxPollSlice bounds a single poll so that a wait's remaining budget is re-evaluated regularly
const MaxPollSlice = 100 * time.Millisecond

var ErrInvalidFD = errors.New("invalid sync-fd")

// Dup returns a new descriptor for the same sync file. InvalidFD duplicates to InvalidFD.
func Dup(fd int) (int, error) {
	if fd < 0 {
		return InvalidFD, nil
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return InvalidFD, errors.Wrapf(err, "dup sync-fd %d", fd)
	}
	return dup, nil
}

// Close closes fd. Closing InvalidFD does nothing.
func Close(fd int) error {
	if fd < 0 {
		return nil
	}

	err := unix.Close(fd)
	if err != nil {
		return errors.Wrapf(err, "close sync-fd %d", fd)
	}
	return nil
}

// Wait blocks until fd is signaled or timeout elapses, and returns whether it was signaled. A
// negative timeout waits forever. InvalidFD is always signaled.
func Wait(fd int, timeout time.Duration) (bool, error) {
	if fd < 0 {
		return true, nil
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		slice := MaxPollSlice
		if timeout >= 0 {
			slice = min(slice, max(time.Until(deadline), 0))
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, pollMillis(slice))
		if err != nil && !errors.Is(err, unix.EINTR) {
			return false, errors.Wrapf(err, "poll sync-fd %d", fd)
		}

		if n > 0 {
			if fds[0].Revents&unix.POLLNVAL != 0 {
				return false, errors.Wrapf(ErrInvalidFD, "poll sync-fd %d", fd)
			}
			if fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				return true, nil
			}
		}

		if timeout >= 0 && !time.Now().Before(deadline) {
			return false, nil
		}
	}
}

// pollMillis converts a poll slice to poll's millisecond timeout, rounding up so that a slice
// under a millisecond still blocks instead of spinning until the deadline
func pollMillis(slice time.Duration) int {
	return int((slice + time.Millisecond - 1) / time.Millisecond)
}
