package api

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/sandpit/internal/auth"
	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/liveness"
	"github.com/mattjoyce/sandpit/internal/log"
	"github.com/mattjoyce/sandpit/internal/metrics"
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/revision"
	"github.com/mattjoyce/sandpit/internal/storage"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

const testAPIKey = "test-key-123"

// fakeWorkspaces implements Workspaces with overridable funcs.
type fakeWorkspaces struct {
	compileFunc func(ctx context.Context, req workspace.Request) (*workspace.Result, error)
	depsFunc    func(ctx context.Context, userID, version string) (project.PackageSet, error)
	setDepsFunc func(ctx context.Context, userID string, pkgs project.PackageSet) error
	artifact    workspace.Artifact
	hasArtifact bool
	infos       []workspace.Info

	mu       sync.Mutex
	owners   map[string]liveness.Owner
	released []string
	requests []workspace.Request
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{owners: make(map[string]liveness.Owner)}
}

func (f *fakeWorkspaces) Compile(ctx context.Context, req workspace.Request) (*workspace.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.compileFunc != nil {
		return f.compileFunc(ctx, req)
	}
	return &workspace.Result{Succeeded: true, ContentHash: "h1", OutputPath: "/tmp/build.js", Duration: 40 * time.Millisecond}, nil
}

func (f *fakeWorkspaces) Dependencies(ctx context.Context, userID, version string) (project.PackageSet, error) {
	if f.depsFunc != nil {
		return f.depsFunc(ctx, userID, version)
	}
	return project.ParsePackageSet([]string{"elm/core@1.0.5"})
}

func (f *fakeWorkspaces) SetDependencies(ctx context.Context, userID string, pkgs project.PackageSet) error {
	if f.setDepsFunc != nil {
		return f.setDepsFunc(ctx, userID, pkgs)
	}
	return nil
}

func (f *fakeWorkspaces) BuildArtifact(userID string) (workspace.Artifact, bool) {
	return f.artifact, f.hasArtifact
}

func (f *fakeWorkspaces) ReleaseAfter(userID string, owner liveness.Owner) error {
	if strings.HasPrefix(userID, ".") {
		return workspace.ErrInvalidUser
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[userID] = owner
	return nil
}

func (f *fakeWorkspaces) Release(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, userID)
	delete(f.owners, userID)
	return nil
}

func (f *fakeWorkspaces) Snapshot() []workspace.Info {
	return f.infos
}

func (f *fakeWorkspaces) owner(userID string) liveness.Owner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[userID]
}

func (f *fakeWorkspaces) lastRequest() workspace.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeFormatter struct {
	out string
	err error
}

func (f fakeFormatter) Format(ctx context.Context, version, source string) (string, error) {
	return f.out, f.err
}

func newTestServer(t *testing.T, ws *fakeWorkspaces) *Server {
	t.Helper()
	cfg := Config{
		Listen:         "127.0.0.1:0",
		APIKey:         testAPIKey,
		DefaultVersion: "0.19.1",
		LeaseTimeout:   time.Minute,
		Tokens: []auth.TokenConfig{
			{Token: "viewer", Scopes: []string{auth.ScopeWorkspacesRO}},
			{Token: "watcher", Scopes: []string{auth.ScopeEventsRO}},
		},
	}
	s := New(cfg, ws, fakeFormatter{out: "main =\n    1\n"}, nil, events.NewHub(32), metrics.New(), log.Discard())
	t.Cleanup(s.Close)
	return s
}

func newRevisionStore(t *testing.T) *revision.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sandpit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := revision.NewStore(db, 16)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
