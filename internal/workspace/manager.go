// Package workspace coordinates per-user compilation sandboxes.
//
// Each user owns at most one sandbox directory under the root. All
// operations for one user run strictly one at a time in arrival order;
// different users proceed in parallel. The manager's own mutex guards only
// its maps and is never held across filesystem or process I/O. Workspace
// records are copied on write so snapshots never observe a half-updated one.
package workspace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/liveness"
	"github.com/mattjoyce/sandpit/internal/log"
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/report"
)

// Config locates the sandboxes and the files inside each one.
type Config struct {
	Root           string
	EntryFile      string
	OutputFile     string
	HTMLFile       string
	DefaultVersion string
}

type record struct {
	dir           string
	version       string
	manifest      *project.Descriptor
	packages      project.PackageSet
	compiled      bool
	contentHash   string
	diagnostic    *report.Diagnostic
	builtPackages project.PackageSet
	artifact      *Artifact
	createdAt     time.Time
	lastUsed      time.Time
}

func (r *record) copy() *record {
	c := *r
	return &c
}

// Manager is the per-user workspace coordinator.
type Manager struct {
	cfg       Config
	root      string
	toolchain Toolchain
	publisher events.Publisher
	recorder  Recorder
	tracker   *liveness.Tracker
	logger    *slog.Logger
	now       func() time.Time

	locks *keyLocks

	mu         sync.Mutex
	workspaces map[string]*record
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithRecorder sends metrics to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// New creates a manager rooted at cfg.Root. The root is created if missing.
func New(cfg Config, tc Toolchain, opts ...Option) (*Manager, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	if tc == nil {
		return nil, fmt.Errorf("workspace manager needs a toolchain")
	}
	if cfg.EntryFile == "" {
		cfg.EntryFile = filepath.Join("src", "Main.elm")
	}
	if cfg.OutputFile == "" {
		cfg.OutputFile = "build.js"
	}
	if cfg.HTMLFile == "" {
		cfg.HTMLFile = "index.html"
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		root:       abs,
		toolchain:  tc,
		publisher:  events.Nop{},
		recorder:   nopRecorder{},
		logger:     log.WithComponent("workspace"),
		now:        time.Now,
		locks:      newKeyLocks(),
		workspaces: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracker = liveness.NewTracker(m.onSessionEnd)
	return m, nil
}

// Root is the absolute sandbox root.
func (m *Manager) Root() string {
	return m.root
}

// Close stops session tracking. Workspaces stay on disk until Purge.
func (m *Manager) Close() {
	m.tracker.Close()
}

// serialize runs fn while holding userID's lock. Waiting for the lock
// honours ctx; once fn starts it runs to completion even if the caller
// gives up, so the lock is released by the operation itself.
func serialize[T any](ctx context.Context, m *Manager, userID string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := m.locks.acquire(ctx, userID)
	if err != nil {
		return zero, err
	}

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer release()
		v, err := fn(context.WithoutCancel(ctx))
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *Manager) lookup(userID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[userID]
}

func (m *Manager) store(userID string, r *record) {
	m.mu.Lock()
	m.workspaces[userID] = r
	n := len(m.workspaces)
	m.mu.Unlock()
	m.recorder.SetActiveWorkspaces(n)
}

func (m *Manager) drop(userID string) *record {
	m.mu.Lock()
	r, ok := m.workspaces[userID]
	delete(m.workspaces, userID)
	n := len(m.workspaces)
	m.mu.Unlock()
	if ok {
		m.recorder.SetActiveWorkspaces(n)
	}
	return r
}

func (m *Manager) version(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return m.cfg.DefaultVersion
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ensure returns a workspace usable for version, tearing down and
// reprovisioning when the version differs or the directory vanished.
// Callers hold the user's lock.
func (m *Manager) ensure(ctx context.Context, userID, version string) (*record, error) {
	logger := log.WithUser(userID).With("component", "workspace")

	if cur := m.lookup(userID); cur != nil {
		switch {
		case cur.version != version:
			logger.Info("version changed, reprovisioning", "from", cur.version, "to", version)
			m.teardown(userID, fmt.Sprintf("version changed from %s to %s", cur.version, version))
		case !dirExists(cur.dir):
			logger.Warn("sandbox directory vanished, reprovisioning", "dir", cur.dir)
			m.drop(userID)
		default:
			return cur, nil
		}
	}

	dir, err := m.workspacePath(userID)
	if err != nil {
		return nil, err
	}
	// Anything left over from an unregistered run is stale.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("%w: clear stale sandbox: %w", ErrProvisioning, err)
	}

	start := m.now()
	manifest, err := m.toolchain.Provision(ctx, dir, version)
	elapsed := m.now().Sub(start)
	if err != nil {
		_ = os.RemoveAll(dir)
		m.recorder.ObserveProvision(false, elapsed)
		logger.Error("provisioning failed", "version", version, "error", err)
		m.publisher.Publish(events.TypeFailed, events.WorkspaceEvent{
			UserID:  userID,
			Version: version,
			Reason:  "provisioning",
			Error:   err.Error(),
		})
		return nil, fmt.Errorf("%w: user %s version %s: %w", ErrProvisioning, userID, version, err)
	}
	m.recorder.ObserveProvision(true, elapsed)

	now := m.now()
	r := &record{
		dir:       dir,
		version:   version,
		manifest:  manifest,
		packages:  manifest.Dependencies,
		createdAt: now,
		lastUsed:  now,
	}
	m.store(userID, r)

	logger.Info("workspace provisioned", "version", version, "dir", dir, "duration_ms", elapsed.Milliseconds())
	m.publisher.Publish(events.TypeProvisioned, events.WorkspaceEvent{
		UserID:     userID,
		Version:    version,
		Packages:   r.packages.Strings(),
		DurationMS: elapsed.Milliseconds(),
	})
	return r, nil
}

// teardown drops the record and removes the sandbox directory.
func (m *Manager) teardown(userID, reason string) {
	r := m.drop(userID)
	dir := ""
	if r != nil {
		dir = r.dir
	} else if p, err := m.workspacePath(userID); err == nil {
		dir = p
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Error("failed to remove sandbox", "user_id", userID, "dir", dir, "error", err)
		}
	}
	if r != nil {
		m.publisher.Publish(events.TypeReleased, events.WorkspaceEvent{
			UserID:  userID,
			Version: r.version,
			Reason:  reason,
		})
	}
}

// Dependencies returns the user's installed package set, provisioning a
// workspace for version first if needed.
func (m *Manager) Dependencies(ctx context.Context, userID, version string) (project.PackageSet, error) {
	if err := ValidateUserID(userID); err != nil {
		return project.PackageSet{}, err
	}
	version = m.version(version)
	return serialize(ctx, m, userID, func(ctx context.Context) (project.PackageSet, error) {
		r, err := m.ensure(ctx, userID, version)
		if err != nil {
			return project.PackageSet{}, err
		}
		return r.packages, nil
	})
}

// SetDependencies declares pkgs as the user's package set. The manifest is
// rewritten only when the set changes; installation happens on the next
// compile.
func (m *Manager) SetDependencies(ctx context.Context, userID string, pkgs project.PackageSet) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	_, err := serialize(ctx, m, userID, func(ctx context.Context) (struct{}, error) {
		cur := m.lookup(userID)
		if cur == nil {
			return struct{}{}, fmt.Errorf("%w: %s", ErrNoWorkspace, userID)
		}
		if !dirExists(cur.dir) {
			m.drop(userID)
			return struct{}{}, fmt.Errorf("%w: %s (sandbox directory vanished)", ErrNoWorkspace, userID)
		}
		if cur.packages.Equal(pkgs) {
			return struct{}{}, nil
		}

		manifest := cur.manifest.WithDependencies(pkgs)
		if err := project.WriteFile(cur.dir, manifest); err != nil {
			return struct{}{}, fmt.Errorf("write manifest: %w", err)
		}
		next := cur.copy()
		next.manifest = manifest
		next.packages = pkgs
		next.lastUsed = m.now()
		m.store(userID, next)

		log.WithUser(userID).Debug("dependencies updated", "component", "workspace", "packages", pkgs.String())
		return struct{}{}, nil
	})
	return err
}

// Compile builds req.Source in the user's sandbox, or returns the cached
// result when neither the source nor the package set changed since the last
// compile.
func (m *Manager) Compile(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateUserID(req.UserID); err != nil {
		return nil, err
	}
	req.Version = m.version(req.Version)
	return serialize(ctx, m, req.UserID, func(ctx context.Context) (*Result, error) {
		return m.compile(ctx, req)
	})
}

func (m *Manager) compile(ctx context.Context, req Request) (*Result, error) {
	logger := log.WithUser(req.UserID).With("component", "workspace")
	start := m.now()

	r, err := m.ensure(ctx, req.UserID, req.Version)
	if err != nil {
		return nil, err
	}

	hash := contentHash([]byte(req.Source))
	if r.compiled && r.contentHash == hash && r.builtPackages.Equal(req.Packages) {
		next := r.copy()
		next.lastUsed = m.now()
		m.store(req.UserID, next)

		res := resultFor(next, true)
		res.Duration = m.now().Sub(start)
		m.recorder.ObserveCompile(OutcomeCached, res.Duration)
		m.publishCompiled(req.UserID, next, res, OutcomeCached)
		logger.Debug("compile skipped, source and packages unchanged", "content_hash", hash)
		return res, nil
	}

	fail := func(stage string, err error) (*Result, error) {
		elapsed := m.now().Sub(start)
		m.recorder.ObserveCompile(OutcomeInfrastructure, elapsed)
		logger.Error("compile failed", "stage", stage, "error", err)
		m.publisher.Publish(events.TypeFailed, events.WorkspaceEvent{
			UserID:     req.UserID,
			Version:    req.Version,
			Outcome:    OutcomeInfrastructure,
			Reason:     stage,
			Error:      err.Error(),
			DurationMS: elapsed.Milliseconds(),
		})
		return nil, fmt.Errorf("%w: %s: %w", ErrInfrastructure, stage, err)
	}

	if err := m.writeSources(r.dir, req); err != nil {
		return fail("write source", err)
	}

	if !req.Packages.Equal(r.packages) {
		manifest := r.manifest.WithDependencies(req.Packages)
		if err := m.toolchain.InstallDependencies(ctx, r.dir, manifest); err != nil {
			return fail("install dependencies", err)
		}
		// The manifest on disk changed; keep the record consistent with it
		// even if the compile below fails.
		r = r.copy()
		r.manifest = manifest
		r.packages = req.Packages
		m.store(req.UserID, r)
	}

	raw, err := m.toolchain.Compile(ctx, r.dir, m.cfg.EntryFile, m.cfg.OutputFile, r.manifest)
	if err != nil {
		return fail("compile", err)
	}
	diag, err := report.Parse(raw.Stderr)
	if err != nil {
		return fail("parse report", err)
	}
	if diag == nil && raw.ExitCode != 0 {
		return fail("compile", fmt.Errorf("exit status %d without a report", raw.ExitCode))
	}

	next := r.copy()
	next.compiled = true
	next.contentHash = hash
	next.diagnostic = diag
	next.builtPackages = req.Packages
	next.lastUsed = m.now()
	if diag == nil {
		next.artifact = m.readArtifact(r.dir, hash)
	}
	m.store(req.UserID, next)

	res := resultFor(next, false)
	res.Duration = m.now().Sub(start)
	outcome := OutcomeClean
	if diag != nil {
		outcome = OutcomeDiagnostic
	}
	m.recorder.ObserveCompile(outcome, res.Duration)
	m.publishCompiled(req.UserID, next, res, outcome)
	logger.Info("compile finished", "outcome", outcome, "content_hash", hash, "summary", diag.Summary(), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (m *Manager) writeSources(dir string, req Request) error {
	entry := filepath.Join(dir, m.cfg.EntryFile)
	if err := os.MkdirAll(filepath.Dir(entry), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(entry, []byte(req.Source), 0o644); err != nil {
		return err
	}
	if req.HTML != "" {
		if err := os.WriteFile(filepath.Join(dir, m.cfg.HTMLFile), []byte(req.HTML), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// readArtifact records the build output tagged with the hash of the source
// it was built from.
func (m *Manager) readArtifact(dir, sourceHash string) *Artifact {
	path := filepath.Join(dir, m.cfg.OutputFile)
	if _, err := os.Stat(path); err != nil {
		m.logger.Warn("clean compile left no output", "path", path, "error", err)
		return nil
	}
	return &Artifact{Path: path, ContentHash: sourceHash}
}

func (m *Manager) publishCompiled(userID string, r *record, res *Result, outcome string) {
	m.publisher.Publish(events.TypeCompiled, events.WorkspaceEvent{
		UserID:      userID,
		Version:     r.version,
		Packages:    r.builtPackages.Strings(),
		ContentHash: res.ContentHash,
		Cached:      res.Cached,
		Outcome:     outcome,
		Summary:     res.Diagnostic.Summary(),
		Problems:    res.Diagnostic.ProblemCount(),
		DurationMS:  res.Duration.Milliseconds(),
	})
}

func resultFor(r *record, cached bool) *Result {
	res := &Result{
		Succeeded:   true,
		Diagnostic:  r.diagnostic,
		ContentHash: r.contentHash,
		Cached:      cached,
	}
	if r.diagnostic == nil && r.artifact != nil {
		res.OutputPath = r.artifact.Path
	}
	return res
}

// BuildArtifact returns the output of the user's last clean build. It
// reports false if there is none or the file is gone.
func (m *Manager) BuildArtifact(userID string) (Artifact, bool) {
	r := m.lookup(userID)
	if r == nil || r.artifact == nil {
		return Artifact{}, false
	}
	if _, err := os.Stat(r.artifact.Path); err != nil {
		return Artifact{}, false
	}
	return *r.artifact, true
}

// ReleaseAfter tears down the user's workspace once owner ends. A later
// call replaces the owner; the replaced owner ending has no effect.
func (m *Manager) ReleaseAfter(userID string, owner liveness.Owner) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.tracker.Watch(userID, owner)
	return nil
}

// Release tears down the user's workspace now and stops watching its owner.
func (m *Manager) Release(ctx context.Context, userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.tracker.Forget(userID)
	return m.release(ctx, userID, "released")
}

func (m *Manager) release(ctx context.Context, userID, reason string) error {
	_, err := serialize(ctx, m, userID, func(context.Context) (struct{}, error) {
		m.teardown(userID, reason)
		return struct{}{}, nil
	})
	return err
}

func (m *Manager) onSessionEnd(userID string) {
	if err := m.release(context.Background(), userID, "session ended"); err != nil {
		m.logger.Error("release after session end failed", "user_id", userID, "error", err)
	}
}

// forget drops the record without touching the disk. Used when the
// directory was removed from outside.
func (m *Manager) forget(userID string) bool {
	r := m.drop(userID)
	if r == nil {
		return false
	}
	m.publisher.Publish(events.TypeReleased, events.WorkspaceEvent{
		UserID:  userID,
		Version: r.version,
		Reason:  "directory removed",
	})
	return true
}

// Snapshot lists the registered workspaces ordered by user id.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.workspaces))
	for id, r := range m.workspaces {
		out = append(out, Info{
			UserID:        id,
			Dir:           r.dir,
			Version:       r.version,
			Packages:      r.packages.Strings(),
			ContentHash:   r.contentHash,
			HasDiagnostic: r.diagnostic != nil,
			HasArtifact:   r.artifact != nil,
			CreatedAt:     r.createdAt,
			LastUsed:      r.lastUsed,
		})
	}
	m.mu.Unlock()

	for i := range out {
		out[i].Watched = m.tracker.Watching(out[i].UserID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Purge removes every sandbox under the root and forgets all records. It
// runs at startup; workspaces never outlive the process. Hidden entries
// (such as the instance lock) are kept.
func (m *Manager) Purge() (int, error) {
	m.mu.Lock()
	m.workspaces = make(map[string]*record)
	m.mu.Unlock()
	m.recorder.SetActiveWorkspaces(0)

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("purged workspace root", "removed", removed)
	}
	return removed, errors.Join(errs...)
}

func contentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
