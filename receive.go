package hotswap

import (
	"os"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/hotswap-proxy/hotswap/internal/wire"
)

// receiveFds binds the well-known handoff path, accepts one connection from
// the outgoing process, and performs a single recvmsg sized for payload and
// wire.MaxFds descriptors of ancillary space. It returns the received
// descriptors in kernel delivery order and the number of payload bytes read.
//
// Bind, chmod and listen failures are fatal and not retried; only accept is
// retried, on EAGAIN. After bind succeeds, the listening socket is closed
// and the path unlinked on every exit so the rendezvous point does not
// linger.
func receiveFds(l log15.Logger, clk clock.Clock, path string, payload []byte) ([]int, int, error) {
	listenFd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, 0, errors.Wrap(err, "can't create handoff socket")
	}

	// Clean up a stale socket from a previous run. Absence is the normal case.
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			l.Debug("no stale handoff socket to remove", "path", path)
		} else {
			l.Warn("can't remove stale handoff socket", "path", path, "err", err)
		}
	}

	if err := unix.Bind(listenFd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(listenFd)
		return nil, 0, errors.Wrapf(err, "can't bind %v", path)
	}

	// The socket may be created before this process drops privileges, and the
	// outgoing process may run under a different identity.
	if err := os.Chmod(path, 0o777); err != nil {
		cleanupListener(l, listenFd, path)
		return nil, 0, errors.Wrapf(err, "can't set permissions on %v", path)
	}

	if err := unix.Listen(listenFd, listenBacklog); err != nil {
		cleanupListener(l, listenFd, path)
		return nil, 0, errors.Wrapf(err, "can't listen on %v", path)
	}

	connFd, err := acceptWithRetry(l, clk, listenFd)
	if err != nil {
		l.Error("giving up receiving descriptors", "path", path, "err", err)
		cleanupListener(l, listenFd, path)
		return nil, 0, err
	}

	oob := make([]byte, unix.CmsgSpace(4*wire.MaxFds))
	n, oobn, _, _, err := unix.Recvmsg(connFd, payload, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		unix.Close(connFd)
		cleanupListener(l, listenFd, path)
		return nil, 0, errors.Wrapf(err, "can't receive descriptors from %v", path)
	}

	fds, parseErr := parseRights(l, oob[:oobn])
	unix.Close(connFd)
	cleanupListener(l, listenFd, path)
	if parseErr != nil {
		return nil, 0, parseErr
	}
	return fds, n, nil
}

// parseRights extracts every SCM_RIGHTS control message's descriptors into
// one ordered list. Control messages of any other kind are logged and
// ignored, not escalated.
func parseRights(l log15.Logger, oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "can't parse control messages")
	}
	var fds []int
	for i := range scms {
		scm := scms[i]
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			l.Warn("unexpected control message", "level", scm.Header.Level, "type", scm.Header.Type)
			continue
		}
		scmFds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, errors.Wrap(err, "can't parse rights message")
		}
		fds = append(fds, scmFds...)
	}
	return fds, nil
}

func acceptWithRetry(l log15.Logger, clk clock.Clock, listenFd int) (int, error) {
	retried := 0
	for {
		connFd, _, err := unix.Accept(listenFd)
		if err == nil {
			return connFd, nil
		}
		if err != unix.EAGAIN {
			l.Error("error accepting descriptor transfer", "err", err)
			return 0, errors.Wrap(err, "can't accept handoff connection")
		}
		retried++
		if retried > maxRetry {
			return 0, errors.Wrapf(err, "no handoff connection after %d retries", maxRetry)
		}
		l.Warn("no incoming descriptor transfer yet, will retry",
			"fd", listenFd, "interval", retryInterval)
		<-clk.After(retryInterval)
	}
}

func cleanupListener(l log15.Logger, listenFd int, path string) {
	if err := unix.Close(listenFd); err != nil {
		l.Warn("error closing handoff listener", "err", err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.Warn("error unlinking handoff socket", "path", path, "err", err)
	}
}
