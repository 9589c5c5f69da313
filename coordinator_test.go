package hotswap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

func TestCoordinatorLockUnlock(t *testing.T) {
	ctx := testCtx(t)
	path := filepath.Join(tmpDir(t), "handoff.sock")

	c := newCoordinator(clock.RealClock{}, l, path)
	require.NoError(t, c.Lock(ctx))
	require.NoError(t, c.Unlock())
	// Unlocking again is a no-op.
	require.NoError(t, c.Unlock())
	// And the lock can be retaken.
	require.NoError(t, c.Lock(ctx))
	require.NoError(t, c.Unlock())
}

// TestCoordinatorLockCtxCancel tests that a blocked Lock can be canceled by
// canceling the passed in context.
func TestCoordinatorLockCtxCancel(t *testing.T) {
	ctx := testCtx(t)
	path := filepath.Join(tmpDir(t), "handoff.sock")

	c1 := newCoordinator(clock.RealClock{}, l, path)
	c2 := newCoordinator(clock.RealClock{}, l, path)
	require.NoError(t, c1.Lock(ctx))
	defer c1.Unlock()

	ctx2, cancel := context.WithCancel(ctx)
	lockErr := make(chan error)
	go func() {
		lockErr <- c2.Lock(ctx2)
	}()

	select {
	case err := <-lockErr:
		t.Fatalf("expected lock to block while held elsewhere: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	err := <-lockErr
	require.Equal(t, context.Canceled, err)
}

func TestCoordinatorLockAfterRelease(t *testing.T) {
	ctx := testCtx(t)
	path := filepath.Join(tmpDir(t), "handoff.sock")

	c1 := newCoordinator(clock.RealClock{}, l, path)
	c2 := newCoordinator(clock.RealClock{}, l, path)
	require.NoError(t, c1.Lock(ctx))

	lockErr := make(chan error)
	go func() {
		lockErr <- c2.Lock(ctx)
	}()

	select {
	case err := <-lockErr:
		t.Fatalf("expected lock to block while held elsewhere: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c1.Unlock())
	require.NoError(t, <-lockErr)
	require.NoError(t, c2.Unlock())
}
