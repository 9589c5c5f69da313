package hotswap

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrUpgradeInProgress indicates that a handoff is in progress. This state
	// is not necessarily terminal.
	// This error will be returned if an attempt is made to mutate the
	// descriptor registry while its contents are being transferred to a new
	// process.
	ErrUpgradeInProgress = errors.New("an upgrade is currently in progress")
	// ErrUpgradeCompleted indicates that a handoff has already happened. This
	// state is terminal.
	// This error will be returned if an attempt is made to mutate the
	// descriptor registry after its contents have been transferred away.
	ErrUpgradeCompleted = errors.New("an upgrade has completed")
	// ErrUpgraderStopped indicates the upgrader's Stop method has been called.
	// This state is terminal.
	ErrUpgraderStopped = errors.New("the upgrader has been marked as stopped")
)

// Listener can be shared between processes.
type Listener interface {
	net.Listener
	syscall.Conn
}

// file works around the fact that it's not possible to get the fd from an
// os.File without putting it into blocking mode. It also keeps the underlying
// file object referenced so the descriptor is not closed by a finalizer while
// it sits in the registry.
type file struct {
	*os.File
	fd uintptr
}

func (f *file) String() string {
	name := "<nil>"
	if f != nil && f.File != nil {
		name = f.Name()
	}
	return fmt.Sprintf("File(name=%q,fd=%v)", name, f.fd)
}

func newFile(fd uintptr, name string) *file {
	fi := os.NewFile(fd, name)
	if fi == nil {
		return nil
	}
	return &file{fi, fd}
}

// Registry holds the listening-socket descriptors this process owns, keyed by
// bind identifier (the listen address string). Entries are added when a
// listener is created or inherited from a previous process, and consumed when
// the process starts serving or transfers them to its successor.
//
// The registry exclusively owns each descriptor it holds: every descriptor is
// either closed locally or handed off, exactly once.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*file

	// locked indicates whether mutation of the registry is locked. When
	// true, all mutations will result in an error with the error
	// 'lockedReason'.
	locked       bool
	lockedReason error

	l log15.Logger
}

func newRegistry(l log15.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*file),
		l:       l,
	}
}

func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, 0, len(r.entries))
	for bind, fi := range r.entries {
		res = append(res, fmt.Sprintf("%v=%v", bind, fi))
	}
	return fmt.Sprintf("registry: %v", res)
}

func (r *Registry) lockMutations(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
	r.lockedReason = reason
}

func (r *Registry) unlockMutations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = false
	r.lockedReason = nil
}

// Listen returns a listener inherited from the previous process, or creates a
// new one. The listen address doubles as the bind identifier under which the
// listener's descriptor is registered. It is expected that the caller will
// close the returned listener once draining is desired.
func (r *Registry) Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ln, err := r.listenerLocked(addr)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		r.l.Debug("found existing listener in registry", "bind", addr, "network", network)
		return ln, nil
	}

	if r.locked {
		return nil, r.lockedReason
	}

	cfg := &net.ListenConfig{}
	ln, err = cfg.Listen(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "can't create new listener")
	}

	fdLn, ok := ln.(Listener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("%T doesn't implement hotswap.Listener", ln)
	}

	if err := r.addListenerLocked(addr, fdLn); err != nil {
		fdLn.Close()
		return nil, err
	}
	return ln, nil
}

// Listener returns an inherited listener with the given bind identifier, or
// nil. Absence is not an error; callers decide.
//
// It is the caller's responsibility to close the returned listener once
// connections should be drained.
func (r *Registry) Listener(bind string) (net.Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenerLocked(bind)
}

func (r *Registry) listenerLocked(bind string) (net.Listener, error) {
	fi, ok := r.entries[bind]
	if !ok || fi == nil {
		return nil, nil
	}
	ln, err := net.FileListener(fi.File)
	if err != nil {
		return nil, errors.Wrapf(err, "can't inherit listener %s", fi)
	}
	return ln, nil
}

// AddListener registers an existing listener under the given bind identifier,
// replacing any previous entry. The registry stores its own duplicate of the
// descriptor; the caller's listener remains the caller's to close.
func (r *Registry) AddListener(bind string, ln Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return r.lockedReason
	}
	return r.addListenerLocked(bind, ln)
}

type unlinkOnCloser interface {
	SetUnlinkOnClose(bool)
}

func (r *Registry) addListenerLocked(bind string, ln Listener) error {
	// The registry's dup must not unlink a unix socket path when the
	// original listener closes.
	if ifc, ok := ln.(unlinkOnCloser); ok {
		ifc.SetUnlinkOnClose(false)
	}

	fi, err := dupConn(ln, bind)
	if err != nil {
		return errors.Wrapf(err, "can't dup listener %v", bind)
	}
	r.entries[bind] = fi
	return nil
}

// Remove removes the given bind identifier from the registry and closes the
// registered descriptor.
func (r *Registry) Remove(bind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// It's unsafe to close a descriptor during a handoff, but it's safe and
	// necessary to close it after one completes to avoid leaking fds.
	if r.locked && r.lockedReason == ErrUpgradeInProgress {
		return r.lockedReason
	}

	fi, ok := r.entries[bind]
	if !ok {
		return errors.Errorf("no registry entry with bind identifier %q", bind)
	}
	delete(r.entries, bind)
	if fi != nil {
		return fi.Close()
	}
	return nil
}

// toWire produces the parallel name and descriptor slices for a handoff, in
// one consistent iteration order. The result must be consumed immediately;
// any reordering between here and the transfer corrupts the positional
// name-to-descriptor correspondence.
func (r *Registry) toWire() ([]string, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	fds := make([]int, 0, len(r.entries))
	for bind, fi := range r.entries {
		names = append(names, bind)
		fds = append(fds, int(fi.fd))
	}
	return names, fds
}

// fromWire repopulates the registry from the decoded name list and the
// received descriptors. The inputs must be equal length; a mismatch means
// the transfer was corrupted or the two processes disagree about the wire
// format, which is not a recoverable condition.
func (r *Registry) fromWire(names []string, fds []int) {
	if len(names) != len(fds) {
		panic(errors.Errorf("got %v descriptors, but expected %v: %v", len(fds), len(names), names))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, bind := range names {
		r.entries[bind] = newFile(uintptr(fds[i]), bind)
	}
}

// closeAll closes every registered descriptor and empties the registry. It
// is called once after a successful handoff (the new process owns the
// sockets now) or on Stop.
func (r *Registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for bind, fi := range r.entries {
		if err := fi.Close(); err != nil {
			r.l.Warn("error closing descriptor", "bind", bind, "err", err)
		}
	}
	r.entries = make(map[string]*file)
}

func (r *Registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func dupConn(conn syscall.Conn, name string) (*file, error) {
	// Use SyscallConn instead of File to avoid making the original
	// fd non-blocking.
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var dup *file
	var duperr error
	err = raw.Control(func(fd uintptr) {
		dup, duperr = dupFd(fd, name)
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't access fd")
	}
	return dup, duperr
}

func dupFd(fd uintptr, name string) (*file, error) {
	dupfd, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, unix.F_DUPFD_CLOEXEC, 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "can't dup fd using fcntl")
	}
	return newFile(dupfd, name), nil
}
