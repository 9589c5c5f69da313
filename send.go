package hotswap

import (
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/hotswap-proxy/hotswap/internal/wire"
)

// sendFds connects to the handoff socket published by the incoming process
// and transmits payload as regular data with fds as SCM_RIGHTS ancillary
// data. It returns the number of payload bytes sent.
//
// Connection failures that indicate the receiver isn't ready yet are retried
// on the coarse interval; nonblocking-IO conditions are polled on the short
// one, with a single poll budget shared across the connect and send phases.
// Any other error is terminal immediately. The sending socket never outlives
// the call, success or failure.
func sendFds(l log15.Logger, clk clock.Clock, fds []int, payload []byte, path string) (int, error) {
	if err := wire.CheckFdCount(len(fds)); err != nil {
		return 0, err
	}

	sendFd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "can't create handoff socket")
	}
	defer unix.Close(sendFd)

	addr := &unix.SockaddrUnix{Name: path}
	retried := 0
	nonblockingPolls := 0

connect:
	for {
		err := unix.Connect(sendFd, addr)
		if err == nil {
			break
		}
		switch err {
		case unix.ENOENT, unix.ECONNREFUSED, unix.EACCES:
			// The receiver hasn't created the socket yet, isn't listening on
			// it yet, or hasn't finished setting its permissions.
			retried++
			if retried > maxRetry {
				l.Error("max retries reached, giving up sending descriptors",
					"path", path, "retries", maxRetry, "err", err)
				return 0, errors.Wrapf(err, "receiver at %v not ready after %d retries", path, maxRetry)
			}
			l.Warn("receiver not ready, will retry", "path", path, "interval", retryInterval)
			<-clk.After(retryInterval)
		case unix.EINPROGRESS, unix.EALREADY:
			// Nonblocking connect hasn't completed.
			nonblockingPolls++
			if nonblockingPolls >= maxNonblockingPolls {
				l.Error("connect not ready after polling", "path", path)
				return 0, errors.Wrapf(err, "connect to %v not ready after %d polls", path, maxNonblockingPolls)
			}
			l.Warn("connect not ready, will poll again", "path", path, "interval", nonblockingPollInterval)
			<-clk.After(nonblockingPollInterval)
		case unix.EISCONN:
			// An earlier in-progress connect finished.
			break connect
		default:
			l.Error("error connecting handoff socket", "path", path, "err", err)
			return 0, errors.Wrapf(err, "can't connect to %v", path)
		}
	}

	oob := unix.UnixRights(fds...)
	for {
		n, err := unix.SendmsgN(sendFd, payload, oob, nil, 0)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN {
			l.Error("error sending descriptors", "path", path, "err", err)
			return 0, errors.Wrapf(err, "can't send descriptors to %v", path)
		}
		// Socket not ready for writing.
		nonblockingPolls++
		if nonblockingPolls >= maxNonblockingPolls {
			l.Error("sendmsg not ready after polling", "path", path)
			return 0, errors.Wrapf(err, "sendmsg to %v not ready after %d polls", path, maxNonblockingPolls)
		}
		l.Warn("sendmsg not ready, will poll again", "path", path, "interval", nonblockingPollInterval)
		<-clk.After(nonblockingPollInterval)
	}
}
