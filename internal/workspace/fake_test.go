package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/toolchain"
)

const brokenReport = `{"type":"compile-errors","errors":[{"path":"src/Main.elm","name":"Main","problems":[{"title":"UNFINISHED DEFINITION","region":{"start":{"line":1,"column":1},"end":{"line":1,"column":4}},"message":["I got stuck here"]}]}]}`

var corePackages = mustSet("elm/core@1.0.5")

func mustSet(specs ...string) project.PackageSet {
	s, err := project.ParsePackageSet(specs)
	if err != nil {
		panic(err)
	}
	return s
}

// fakeToolchain counts invocations and tracks per-sandbox concurrency. A
// source whose last token is "=" compiles to a diagnostic.
type fakeToolchain struct {
	base project.PackageSet

	mu           sync.Mutex
	provisions   int
	installs     int
	compiles     int
	provisionErr error
	compileErr   error
	stderr       string
	active       map[string]int
	maxActive    map[string]int
	delay        time.Duration
	hook         func(dir string)

	provisionHook func(dir string)
}

func newFakeToolchain() *fakeToolchain {
	return &fakeToolchain{
		base:      corePackages,
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (f *fakeToolchain) counts() (provisions, installs, compiles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions, f.installs, f.compiles
}

func (f *fakeToolchain) Provision(ctx context.Context, dir, version string) (*project.Descriptor, error) {
	f.mu.Lock()
	f.provisions++
	err, hook := f.provisionErr, f.provisionHook
	f.mu.Unlock()

	// A failed provision still leaves a partial directory behind.
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return nil, mkErr
	}
	if hook != nil {
		hook(dir)
	}
	if err != nil {
		return nil, err
	}
	manifest := project.New(version, f.base)
	if err := project.WriteFile(dir, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (f *fakeToolchain) InstallDependencies(ctx context.Context, dir string, manifest *project.Descriptor) error {
	f.mu.Lock()
	f.installs++
	f.mu.Unlock()
	return project.WriteFile(dir, manifest)
}

func (f *fakeToolchain) Compile(ctx context.Context, dir, entry, output string, manifest *project.Descriptor) (*toolchain.RawOutput, error) {
	f.mu.Lock()
	f.compiles++
	f.active[dir]++
	if f.active[dir] > f.maxActive[dir] {
		f.maxActive[dir] = f.active[dir]
	}
	compileErr, stderr, delay, hook := f.compileErr, f.stderr, f.delay, f.hook
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[dir]--
		f.mu.Unlock()
	}()

	if hook != nil {
		hook(dir)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if compileErr != nil {
		return nil, compileErr
	}
	if stderr != "" {
		return &toolchain.RawOutput{ExitCode: 1, Stderr: []byte(stderr)}, nil
	}

	src, err := os.ReadFile(filepath.Join(dir, entry))
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.TrimSpace(string(src)), "=") {
		return &toolchain.RawOutput{ExitCode: 1, Stderr: []byte(brokenReport)}, nil
	}
	if err := os.WriteFile(filepath.Join(dir, output), []byte("// js for "+string(src)), 0o644); err != nil {
		return nil, err
	}
	return &toolchain.RawOutput{}, nil
}

func (f *fakeToolchain) maxConcurrency(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[dir]
}

var errLaunch = errors.New("exec: \"elm\": executable file not found in $PATH")

func newTestManager(t *testing.T, tc Toolchain, opts ...Option) *Manager {
	t.Helper()
	m, err := New(Config{
		Root:           filepath.Join(t.TempDir(), "workspaces"),
		DefaultVersion: "0.19.1",
	}, tc, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func compileReq(user, version, source string, pkgs project.PackageSet) Request {
	return Request{UserID: user, Version: version, Source: source, Packages: pkgs}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}
