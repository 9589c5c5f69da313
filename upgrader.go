package hotswap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hotswap-proxy/hotswap/internal/wire"
)

// DefaultUpgradeTimeout is the duration an incoming process will wait to take
// the handoff path lock before giving up on inheriting descriptors. The
// socket-level retries past that point have their own fixed budgets.
const DefaultUpgradeTimeout time.Duration = time.Minute

// Upgrader moves ownership of live listening sockets between an outgoing and
// an incoming process over a well-known unix socket path. The incoming
// process calls Receive before it starts serving; the outgoing process calls
// Handoff when told to step down.
type Upgrader struct {
	handoffPath    string
	upgradeTimeout time.Duration

	stateLock sync.Mutex
	state     upgraderState

	stopOnce     sync.Once
	completeOnce sync.Once

	// upgradeCompleteC is closed when this upgrader has handed its
	// descriptors to a successor process, or when Stop is called.
	upgradeCompleteC chan struct{}

	clock clock.Clock
	coord *coordinator
	l     log15.Logger

	// Fds is the registry of shareable listening sockets. Listeners created
	// or inherited through it travel to the next process on Handoff.
	Fds *Registry
}

// Option is an option function for Upgrader.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(u *Upgrader)

// WithLogger configures the logger to use for handoff operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(u *Upgrader) {
		u.l = l
	}
}

// WithUpgradeTimeout allows configuring the upgrade timeout. If a time of 0 is
// specified, the default will be used.
func WithUpgradeTimeout(t time.Duration) Option {
	return func(u *Upgrader) {
		u.upgradeTimeout = t
		if u.upgradeTimeout <= 0 {
			u.upgradeTimeout = DefaultUpgradeTimeout
		}
	}
}

// New constructs an upgrader around the given well-known handoff path. The
// path is a rendezvous point agreed out-of-band between the outgoing and
// incoming process; both must use the same one.
func New(handoffPath string, opts ...Option) (*Upgrader, error) {
	return newUpgrader(clock.RealClock{}, handoffPath, opts...)
}

func newUpgrader(clk clock.Clock, handoffPath string, opts ...Option) (*Upgrader, error) {
	if handoffPath == "" {
		return nil, errors.New("handoff path must not be empty")
	}
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	u := &Upgrader{
		handoffPath:      handoffPath,
		upgradeTimeout:   DefaultUpgradeTimeout,
		state:            upgraderStateInit,
		upgradeCompleteC: make(chan struct{}),
		clock:            clk,
		l:                noopLogger,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.coord = newCoordinator(u.clock, u.l, handoffPath)
	u.Fds = newRegistry(u.l)
	return u, nil
}

// Receive waits on the handoff path for the outgoing process's descriptors
// and populates the registry with them. It blocks through the receiver's
// retry policy, so call it during startup, before serving, and off any
// latency-sensitive goroutine.
//
// The context and the upgrade timeout bound only the wait for the path lock;
// in-flight socket retries are not cancellable.
func (u *Upgrader) Receive(ctx context.Context) error {
	if err := u.transitionTo(upgraderStateReceiving); err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, u.upgradeTimeout)
	defer cancel()
	if err := u.coord.Lock(lockCtx); err != nil {
		return errors.Wrap(err, "can't lock handoff path")
	}
	defer func() {
		if err := u.coord.Unlock(); err != nil {
			u.l.Error("error unlocking handoff path", "err", err)
		}
	}()

	payload := make([]byte, wire.PayloadCap)
	fds, n, err := receiveFds(u.l, u.clock, u.handoffPath, payload)
	if err != nil {
		return errors.Wrap(err, "can't receive descriptors from previous owner")
	}
	names := wire.DecodeNames(payload[:n])
	u.Fds.fromWire(names, fds)
	u.l.Info("received descriptors from previous owner", "count", len(fds), "binds", names)
	return nil
}

// Ready marks this process as the owner of its descriptors. It must be
// called once the process is prepared to serve, whether the descriptors were
// inherited or freshly created.
func (u *Upgrader) Ready() error {
	return u.transitionTo(upgraderStateOwner)
}

// Handoff transfers every registered descriptor to the process now waiting
// on the handoff path. On success the local copies are closed exactly once,
// further registry mutations fail with ErrUpgradeCompleted, and the
// UpgradeComplete channel is closed. On failure this process remains the
// owner and keeps serving; a failed handoff never crashes it.
//
// Handoff blocks through the sender's retry policy; run it off any
// latency-sensitive goroutine.
func (u *Upgrader) Handoff() error {
	if err := u.transitionTo(upgraderStateTransferring); err != nil {
		u.l.Info("cannot hand off descriptors", "reason", err)
		return err
	}
	u.l.Info("handing off descriptors to new owner", "path", u.handoffPath)

	u.Fds.lockMutations(ErrUpgradeInProgress)
	names, fds := u.Fds.toWire()

	var buf [wire.PayloadCap]byte
	n, err := wire.EncodeNames(names, buf[:])
	if err == nil {
		_, err = sendFds(u.l, u.clock, fds, buf[:n], u.handoffPath)
	}
	if err != nil {
		u.l.Error("failed to hand off descriptors, remaining owner", "err", err)
		u.Fds.unlockMutations()
		if terr := u.transitionTo(upgraderStateOwner); terr != nil {
			// Could happen if Stop was called while the transfer was in
			// flight. At this point we can't do anything but complain.
			u.l.Error("unable to remain owner after failed handoff", "err", terr)
		}
		return errors.Wrap(err, "descriptor handoff failed")
	}

	// The successor owns the sockets now. Our copies must be closed exactly
	// once and never used again.
	u.Fds.lockMutations(ErrUpgradeCompleted)
	u.Fds.closeAll()
	// Ignore the transition error; if we were stopped mid-transfer we also
	// don't care.
	_ = u.transitionTo(upgraderStateDraining)
	u.l.Info("descriptor handoff complete, draining")
	u.completeOnce.Do(func() {
		close(u.upgradeCompleteC)
	})
	return nil
}

// UpgradeComplete returns a channel which is closed when the registered
// descriptors have been passed to the next process.
func (u *Upgrader) UpgradeComplete() <-chan struct{} {
	return u.upgradeCompleteC
}

// Stop prevents any further handoff, closes the upgrade complete channel,
// and closes any descriptors still held in the registry.
func (u *Upgrader) Stop() {
	u.mustTransitionTo(upgraderStateStopped)
	u.stopOnce.Do(func() {
		u.completeOnce.Do(func() {
			close(u.upgradeCompleteC)
		})
		u.l.Info("closing descriptors")
		u.Fds.lockMutations(ErrUpgraderStopped)
		u.Fds.closeAll()
	})
}

func (u *Upgrader) transitionTo(state upgraderState) error {
	u.stateLock.Lock()
	defer u.stateLock.Unlock()
	return u.state.transitionTo(state)
}

func (u *Upgrader) mustTransitionTo(state upgraderState) {
	u.stateLock.Lock()
	defer u.stateLock.Unlock()
	if err := u.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", state, err))
	}
}
