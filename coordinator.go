package hotswap

import (
	"context"
	"os"
	"time"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const lockRetryInterval = 100 * time.Millisecond

// coordinator serializes access to the well-known handoff path with an
// exclusive lock on a file beside it. Only the lock holder may bind the
// path, so two replacement processes started at once cannot race each other
// for the same handoff.
type coordinator struct {
	clock    clock.Clock
	lockPath string
	lock     *filelock.FileLock
	l        log15.Logger
}

func newCoordinator(clk clock.Clock, l log15.Logger, handoffPath string) *coordinator {
	lockPath := handoffPath + ".lock"
	return &coordinator{
		clock:    clk,
		lockPath: lockPath,
		l:        l.New("lockPath", lockPath),
	}
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o755)
	if err != nil {
		return err
	}
	return f.Close()
}

// Lock takes the exclusive lock on the handoff path, polling until it is
// available or the context is done.
func (c *coordinator) Lock(ctx context.Context) error {
	if err := touchFile(c.lockPath); err != nil {
		return errors.Wrapf(err, "can't create lock file %v", c.lockPath)
	}
	c.l.Debug("taking lock on handoff path")
	for {
		lock, err := filelock.TryExclusiveLock(c.lockPath, filelock.RegFile)
		if err == nil {
			c.l.Debug("took lock on handoff path")
			c.lock = lock
			return nil
		}
		if err != filelock.ErrLocked {
			return errors.Wrapf(err, "can't lock %v", c.lockPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.clock.Sleep(lockRetryInterval)
	}
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (c *coordinator) Unlock() error {
	if c.lock == nil {
		return nil
	}
	c.l.Debug("unlocking handoff path")
	err := c.lock.Unlock()
	c.lock = nil
	return err
}
