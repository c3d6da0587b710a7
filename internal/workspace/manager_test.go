package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/report"
)

func TestCompileIdenticalRequestsCompileOnce(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	first, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Nil(t, first.Diagnostic)
	assert.NotEmpty(t, first.OutputPath)

	for i := 0; i < 3; i++ {
		again, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
		require.NoError(t, err)
		assert.True(t, again.Cached)
		assert.Equal(t, first.ContentHash, again.ContentHash)
		assert.Equal(t, first.OutputPath, again.OutputPath)
	}

	_, _, compiles := tc.counts()
	assert.Equal(t, 1, compiles)
}

func TestCompilePackageChangeRecompiles(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)

	more := mustSet("elm/core@1.0.5", "elm/json@1.1.3")
	res, err := m.Compile(ctx, compileReq("alice", "", "x = 1", more))
	require.NoError(t, err)
	assert.False(t, res.Cached)

	_, installs, compiles := tc.counts()
	assert.Equal(t, 2, compiles)
	assert.Equal(t, 1, installs)

	manifest, err := project.ReadFile(filepath.Join(m.Root(), "alice"))
	require.NoError(t, err)
	assert.True(t, manifest.Dependencies.Equal(more))

	deps, err := m.Dependencies(ctx, "alice", "")
	require.NoError(t, err)
	assert.True(t, deps.Equal(more))
}

func TestCompileSourceChangeRecompiles(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	a, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	b, err := m.Compile(ctx, compileReq("alice", "", "x = 2", corePackages))
	require.NoError(t, err)

	assert.False(t, b.Cached)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
	_, installs, compiles := tc.counts()
	assert.Equal(t, 2, compiles)
	assert.Equal(t, 0, installs)
}

func TestCompileVersionChangeReprovisions(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "0.19.0", "x = 1", corePackages))
	require.NoError(t, err)

	dir := filepath.Join(m.Root(), "alice")
	marker := filepath.Join(dir, "leftover.txt")
	require.NoError(t, os.WriteFile(marker, []byte("old"), 0o644))

	res, err := m.Compile(ctx, compileReq("alice", "0.19.1", "x = 1", corePackages))
	require.NoError(t, err)
	assert.False(t, res.Cached, "a new version never reuses the cache")

	provisions, _, compiles := tc.counts()
	assert.Equal(t, 2, provisions)
	assert.Equal(t, 2, compiles)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "sandbox must be rebuilt from scratch")

	manifest, err := project.ReadFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.19.1", manifest.Version)
}

func TestSameUserCompilesNeverOverlap(t *testing.T) {
	tc := newFakeToolchain()
	tc.delay = 20 * time.Millisecond
	m := newTestManager(t, tc)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Compile(ctx, compileReq("alice", "", fmt.Sprintf("x = %d", i), corePackages))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, tc.maxConcurrency(filepath.Join(m.Root(), "alice")))
	provisions, _, compiles := tc.counts()
	assert.Equal(t, 1, provisions)
	assert.Equal(t, 6, compiles)
}

func TestDifferentUsersCompileInParallel(t *testing.T) {
	tc := newFakeToolchain()
	started := make(chan string, 2)
	proceed := make(chan struct{})
	tc.hook = func(dir string) {
		started <- dir
		<-proceed
	}
	m := newTestManager(t, tc)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := m.Compile(ctx, compileReq(user, "", "x = 1", corePackages))
			assert.NoError(t, err)
		}(user)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case dir := <-started:
			seen[filepath.Base(dir)] = true
		case <-time.After(2 * time.Second):
			close(proceed)
			t.Fatal("second user's compile did not start while the first was running")
		}
	}
	close(proceed)
	wg.Wait()
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, seen)
}

func TestReleaseAfterOwnerEnds(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	dir := filepath.Join(m.Root(), "alice")
	require.DirExists(t, dir)

	session, endSession := context.WithCancel(context.Background())
	require.NoError(t, m.ReleaseAfter("alice", session))
	endSession()

	eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err) && len(m.Snapshot()) == 0
	}, "sandbox should be removed after the owner ends")

	_, ok := m.BuildArtifact("alice")
	assert.False(t, ok)

	res, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	provisions, _, _ := tc.counts()
	assert.Equal(t, 2, provisions)
}

func TestSupersededOwnerDoesNotRelease(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)

	oldTab, closeOld := context.WithCancel(context.Background())
	newTab, closeNew := context.WithCancel(context.Background())
	defer closeNew()
	require.NoError(t, m.ReleaseAfter("alice", oldTab))
	require.NoError(t, m.ReleaseAfter("alice", newTab))
	closeOld()

	time.Sleep(100 * time.Millisecond)
	require.Len(t, m.Snapshot(), 1)
	assert.True(t, m.Snapshot()[0].Watched)
}

func TestScenarioInvocationCounts(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()
	const v1, v2 = "0.19.0", "0.19.1"

	first, err := m.Compile(ctx, compileReq("U", v1, "x = 1", corePackages))
	require.NoError(t, err)
	assert.True(t, first.Succeeded)
	assert.Nil(t, first.Diagnostic)
	_, _, compiles := tc.counts()
	require.Equal(t, 1, compiles)

	second, err := m.Compile(ctx, compileReq("U", v1, "x = 1", corePackages))
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.Diagnostic, second.Diagnostic)
	assert.Equal(t, first.OutputPath, second.OutputPath)
	_, _, compiles = tc.counts()
	require.Equal(t, 1, compiles, "identical request must not spawn a process")

	broken, err := m.Compile(ctx, compileReq("U", v1, "x = ", corePackages))
	require.NoError(t, err)
	require.NotNil(t, broken.Diagnostic)
	assert.Equal(t, report.KindCompile, broken.Diagnostic.Kind)
	assert.Empty(t, broken.OutputPath)
	assert.Equal(t, contentHash([]byte("x = ")), broken.ContentHash)
	require.Len(t, m.Snapshot(), 1)
	assert.Equal(t, broken.ContentHash, m.Snapshot()[0].ContentHash)
	assert.True(t, m.Snapshot()[0].HasDiagnostic)

	provisionsBefore, _, _ := tc.counts()
	upgraded, err := m.Compile(ctx, compileReq("U", v2, "x = 1", corePackages))
	require.NoError(t, err)
	assert.Nil(t, upgraded.Diagnostic)
	provisions, _, compiles := tc.counts()
	assert.Equal(t, provisionsBefore+1, provisions)
	assert.Equal(t, 3, compiles)

	manifest, err := project.ReadFile(filepath.Join(m.Root(), "U"))
	require.NoError(t, err)
	assert.Equal(t, v2, manifest.Version)
}

func TestInfrastructureFailureKeepsCache(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	good, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)

	tc.mu.Lock()
	tc.compileErr = errLaunch
	tc.mu.Unlock()

	_, err = m.Compile(ctx, compileReq("alice", "", "x = 2", corePackages))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfrastructure))
	assert.True(t, errors.Is(err, errLaunch))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, good.ContentHash, snap[0].ContentHash, "failed compile must not touch the cache")

	art, ok := m.BuildArtifact("alice")
	require.True(t, ok)
	assert.Equal(t, good.OutputPath, art.Path)

	tc.mu.Lock()
	tc.compileErr = nil
	tc.mu.Unlock()
	retry, err := m.Compile(ctx, compileReq("alice", "", "x = 2", corePackages))
	require.NoError(t, err)
	assert.False(t, retry.Cached)
}

func TestMalformedReportIsInfrastructure(t *testing.T) {
	tc := newFakeToolchain()
	tc.stderr = "Segmentation fault (core dumped)"
	m := newTestManager(t, tc)

	_, err := m.Compile(context.Background(), compileReq("alice", "", "x = 1", corePackages))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfrastructure))
	assert.True(t, errors.Is(err, report.ErrMalformedReport))
	require.Len(t, m.Snapshot(), 1)
	assert.Empty(t, m.Snapshot()[0].ContentHash)
}

func TestProvisioningFailure(t *testing.T) {
	tc := newFakeToolchain()
	tc.provisionErr = errors.New("install elm/core: exit status 1")
	m := newTestManager(t, tc)

	_, err := m.Compile(context.Background(), compileReq("alice", "", "x = 1", corePackages))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvisioning))
	assert.Empty(t, m.Snapshot())
	assert.NoDirExists(t, filepath.Join(m.Root(), "alice"))

	_, _, compiles := tc.counts()
	assert.Equal(t, 0, compiles)
}

func TestOneUserFailureDoesNotAffectAnother(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("bob", "", "y = 1", corePackages))
	require.NoError(t, err)

	tc.mu.Lock()
	tc.provisionErr = errors.New("registry unreachable")
	tc.mu.Unlock()
	_, err = m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.Error(t, err)

	res, err := m.Compile(ctx, compileReq("bob", "", "y = 1", corePackages))
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestVanishedDirectoryReprovisions(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(m.Root(), "alice")))

	res, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	provisions, _, _ := tc.counts()
	assert.Equal(t, 2, provisions)
}

func TestSetDependencies(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	err := m.SetDependencies(ctx, "alice", corePackages)
	assert.True(t, errors.Is(err, ErrNoWorkspace))

	deps, err := m.Dependencies(ctx, "alice", "")
	require.NoError(t, err)
	assert.True(t, deps.Equal(corePackages))

	_, err = m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)

	more := mustSet("elm/core@1.0.5", "elm/html@1.0.0")
	require.NoError(t, m.SetDependencies(ctx, "alice", more))
	require.NoError(t, m.SetDependencies(ctx, "alice", more))

	manifest, err := project.ReadFile(filepath.Join(m.Root(), "alice"))
	require.NoError(t, err)
	assert.True(t, manifest.Dependencies.Equal(more))
	_, installs, compiles := tc.counts()
	assert.Equal(t, 0, installs, "installation is deferred to the next compile")
	assert.Equal(t, 1, compiles)

	// Same source, but the cached result was built with the old set.
	res, err := m.Compile(ctx, compileReq("alice", "", "x = 1", more))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	_, installs, _ = tc.counts()
	assert.Equal(t, 0, installs, "manifest already matches the requested set")
}

func TestBuildArtifact(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	_, ok := m.BuildArtifact("alice")
	assert.False(t, ok)

	clean, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	art, ok := m.BuildArtifact("alice")
	require.True(t, ok)
	assert.Equal(t, clean.OutputPath, art.Path)
	assert.Equal(t, clean.ContentHash, art.ContentHash, "artifact carries the hash of the source it was built from")
	assert.Equal(t, contentHash([]byte("x = 1")), art.ContentHash)

	// A diagnostic keeps the last clean artifact.
	_, err = m.Compile(ctx, compileReq("alice", "", "x =", corePackages))
	require.NoError(t, err)
	again, ok := m.BuildArtifact("alice")
	require.True(t, ok)
	assert.Equal(t, art, again)

	require.NoError(t, os.Remove(art.Path))
	_, ok = m.BuildArtifact("alice")
	assert.False(t, ok)
}

func TestHTMLTemplateWritten(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)

	req := compileReq("alice", "", "x = 1", corePackages)
	req.HTML = "<html><body></body></html>"
	_, err := m.Compile(context.Background(), req)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(m.Root(), "alice", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, req.HTML, string(data))
}

func TestInvalidUserIDs(t *testing.T) {
	m := newTestManager(t, newFakeToolchain())
	for _, id := range []string{"", " ", "..", ".hidden", "a/b", `a\b`, " padded"} {
		_, err := m.Compile(context.Background(), compileReq(id, "", "x = 1", corePackages))
		assert.True(t, errors.Is(err, ErrInvalidUser), "id %q: %v", id, err)
	}
}

func TestCallerCancellationLeavesOperationRunning(t *testing.T) {
	tc := newFakeToolchain()
	tc.delay = 150 * time.Millisecond
	m := newTestManager(t, tc)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned compile finishes and populates the cache.
	res, err := m.Compile(context.Background(), compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	_, _, compiles := tc.counts()
	assert.Equal(t, 1, compiles)
}

func TestReleaseAndPurge(t *testing.T) {
	tc := newFakeToolchain()
	m := newTestManager(t, tc)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		_, err := m.Compile(ctx, compileReq(u, "", "x = 1", corePackages))
		require.NoError(t, err)
	}
	require.NoError(t, m.Release(ctx, "alice"))
	assert.NoDirExists(t, filepath.Join(m.Root(), "alice"))
	require.Len(t, m.Snapshot(), 1)

	lock := filepath.Join(m.Root(), ".sandpit.lock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	removed, err := m.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, m.Snapshot())
	assert.FileExists(t, lock)
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
}

func (p *recordingPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	active   int
}

func (r *countingRecorder) ObserveCompile(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) ObserveProvision(bool, time.Duration) {}

func (r *countingRecorder) SetActiveWorkspaces(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func TestLifecycleEventsAndMetrics(t *testing.T) {
	tc := newFakeToolchain()
	pub := &recordingPublisher{}
	rec := &countingRecorder{outcomes: map[string]int{}}
	m := newTestManager(t, tc, WithPublisher(pub), WithRecorder(rec))
	ctx := context.Background()

	_, err := m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	_, err = m.Compile(ctx, compileReq("alice", "", "x = 1", corePackages))
	require.NoError(t, err)
	_, err = m.Compile(ctx, compileReq("alice", "", "x =", corePackages))
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "alice"))

	assert.Equal(t, []string{
		events.TypeProvisioned,
		events.TypeCompiled,
		events.TypeCompiled,
		events.TypeCompiled,
		events.TypeReleased,
	}, pub.snapshot())
	assert.Equal(t, map[string]int{OutcomeClean: 1, OutcomeCached: 1, OutcomeDiagnostic: 1}, rec.outcomes)
	assert.Equal(t, 0, rec.active)
}
