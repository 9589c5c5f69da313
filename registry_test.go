package hotswap

import (
	"net"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegistryListen(t *testing.T) {
	ctx := testCtx(t)
	reg := newRegistry(l)
	defer reg.closeAll()

	ln, err := reg.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, ln)
	defer ln.Close()

	// A second Listen with the same bind identifier returns the registered
	// socket instead of binding a fresh one.
	again, err := reg.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, again)
	again.Close()
}

func TestRegistryListenerAbsent(t *testing.T) {
	reg := newRegistry(l)
	ln, err := reg.Listener("10.0.0.1:9999")
	require.NoError(t, err)
	require.Nil(t, ln)
}

func TestRegistryPositionalCorrespondence(t *testing.T) {
	_ = testCtx(t)
	binds := []string{"first:0", "second:0", "third:0"}

	src := newRegistry(l)
	defer src.closeAll()
	for _, bind := range binds {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		require.NoError(t, src.AddListener(bind, ln.(Listener)))
	}

	names, fds := src.toWire()
	require.Len(t, names, len(binds))
	require.Len(t, fds, len(binds))

	// Simulate the kernel-side dup a real transfer performs.
	dups := make([]int, len(fds))
	for i, fd := range fds {
		dup, err := unix.Dup(fd)
		require.NoError(t, err)
		dups[i] = dup
	}

	dst := newRegistry(l)
	defer dst.closeAll()
	dst.fromWire(names, dups)

	gotNames, gotFds := dst.toWire()
	require.Len(t, gotFds, len(binds))
	sort.Strings(gotNames)
	want := append([]string(nil), binds...)
	sort.Strings(want)
	require.Equal(t, want, gotNames)

	for _, bind := range binds {
		ln, err := dst.Listener(bind)
		require.NoError(t, err)
		require.NotNil(t, ln)
		ln.Close()
	}
}

func TestRegistryEmptyWire(t *testing.T) {
	reg := newRegistry(l)
	names, fds := reg.toWire()
	require.Empty(t, names)
	require.Empty(t, fds)
	reg.fromWire(nil, nil)
	require.Equal(t, 0, reg.len())
}

func TestRegistryFromWireMismatchPanics(t *testing.T) {
	reg := newRegistry(l)
	require.Panics(t, func() {
		reg.fromWire([]string{"a:1", "b:2"}, []int{3})
	})
}

func TestRegistryMutationLock(t *testing.T) {
	ctx := testCtx(t)
	reg := newRegistry(l)
	defer reg.closeAll()

	ln, err := reg.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reg.lockMutations(ErrUpgradeInProgress)

	// Existing entries stay retrievable while locked.
	existing, err := reg.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	existing.Close()

	_, err = reg.Listen(ctx, "tcp", "127.0.0.2:0")
	require.Equal(t, ErrUpgradeInProgress, err)
	require.Equal(t, ErrUpgradeInProgress, reg.Remove("127.0.0.1:0"))

	reg.unlockMutations()
	require.NoError(t, reg.Remove("127.0.0.1:0"))
}

func TestRegistryRemoveAbsent(t *testing.T) {
	reg := newRegistry(l)
	require.Error(t, reg.Remove("nope:0"))
}
