package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRemovesOnlyOldOrphans(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	mkdir := func(name string, mtime time.Time) string {
		p := filepath.Join(m.Root(), name)
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
		return p
	}
	ghost := mkdir("ghost", old)
	fresh := mkdir("fresh", time.Now())
	hidden := mkdir(".cache", old)
	alice := filepath.Join(m.Root(), "alice")
	require.NoError(t, os.Chtimes(alice, old, old))

	rep, err := m.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	assert.Equal(t, []string{"ghost"}, rep.Removed)
	assert.NoDirExists(t, ghost)
	assert.DirExists(t, fresh)
	assert.DirExists(t, hidden)
	assert.DirExists(t, alice, "registered workspaces are never swept")
}

func TestSweepRejectsNonPositiveAge(t *testing.T) {
	m := newTestManager(t, newFakeToolchain())
	if _, err := m.Sweep(context.Background(), 0); err == nil {
		t.Fatal("Sweep(0) error = nil, want error")
	}
}

func TestSweepSkipsBusyUsers(t *testing.T) {
	m := newTestManager(t, newFakeToolchain())
	p := filepath.Join(m.Root(), "carol")
	require.NoError(t, os.MkdirAll(p, 0o755))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	release, err := m.locks.acquire(context.Background(), "carol")
	require.NoError(t, err)
	rep, err := m.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, rep.Removed)
	release()

	rep, err = m.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, rep.Removed)
}

func TestWatcherDropsExternallyRemovedWorkspace(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)

	w, err := NewWatcher(m)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.RemoveAll(filepath.Join(m.Root(), "alice")))
	eventually(t, func() bool { return len(m.Snapshot()) == 0 }, "record should be dropped")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSweeperValidatesSchedule(t *testing.T) {
	m := newTestManager(t, newFakeToolchain())
	_, err := NewSweeper(m, 0, time.Minute)
	assert.Error(t, err)

	s, err := NewSweeper(m, time.Hour, time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestKeyLocksExclusiveAndCleanup(t *testing.T) {
	k := newKeyLocks()
	release, err := k.acquire(context.Background(), "u")
	require.NoError(t, err)
	_, ok := k.tryAcquire("u")
	assert.False(t, ok, "held key cannot be taken without waiting")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.acquire(ctx, "u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.acquire(context.Background(), "v")
	require.NoError(t, err, "other keys are independent")
	other()

	var holders, maxHolders int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := k.acquire(context.Background(), "u")
			if err != nil {
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			r()
		}()
	}

	release()
	release()
	wg.Wait()
	assert.Equal(t, 1, maxHolders)
	k.mu.Lock()
	assert.Empty(t, k.locks, "lock entries should be removed")
	k.mu.Unlock()
}

func TestKeyLocksTryAcquireBlocksWaiters(t *testing.T) {
	k := newKeyLocks()
	release, ok := k.tryAcquire("u")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.acquire(ctx, "u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := k.acquire(context.Background(), "u")
	require.NoError(t, err)
	_, ok = k.tryAcquire("u")
	assert.False(t, ok)
	again()

	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}

func TestSweepDuringProvisionLeavesSandbox(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	dir := filepath.Join(m.Root(), "dave")
	old := time.Now().Add(-2 * time.Hour)

	var swept SweepReport
	var sweepErr error
	tc.provisionHook = func(d string) {
		// The fresh sandbox looks like an old orphan to the sweeper.
		assert.NoError(t, os.Chtimes(d, old, old))
		swept, sweepErr = m.Sweep(context.Background(), time.Hour)
	}

	res, err := m.Compile(context.Background(), compileReq("dave", "", "x = 1", corePackages))
	require.NoError(t, err)
	require.NoError(t, sweepErr)
	assert.Empty(t, swept.Removed, "a sandbox being provisioned is never swept")
	assert.DirExists(t, dir)
	assert.FileExists(t, res.OutputPath)
}
