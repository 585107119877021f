package server

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the readiness a suspended transfer waits on.
type Interest struct {
	Read  bool
	Write bool
}

// Ready reports which directions a descriptor became ready in.
type Ready struct {
	Read  bool
	Write bool
}

// PollFunc blocks until at least one descriptor in set is ready or the
// timeout passes, returning the ready subset. Implementations must be
// level-triggered: re-polling a still-readable descriptor re-reports it.
type PollFunc func(set map[int]Interest, timeout time.Duration) (map[int]Ready, error)

// pollReadiness is the default PollFunc, backed by poll(2).
func pollReadiness(set map[int]Interest, timeout time.Duration) (map[int]Ready, error) {
	fds := make([]unix.PollFd, 0, len(set))

	for fd, interest := range set {
		var events int16

		if interest.Read {
			events |= unix.POLLIN
		}

		if interest.Write {
			events |= unix.POLLOUT
		}

		if events == 0 {
			continue
		}

		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return map[int]Ready{}, nil
		}

		return nil, fmt.Errorf("error while polling: %w", err)
	}

	ready := make(map[int]Ready, n)

	for _, p := range fds {
		r := Ready{
			Read:  p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
			Write: p.Revents&unix.POLLOUT != 0,
		}

		if r.Read || r.Write {
			ready[int(p.Fd)] = r
		}
	}

	return ready, nil
}
