// Package toolchain runs the external compiler, package installer and
// formatter on behalf of sandboxes.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/mattjoyce/sandpit/internal/config"
	"github.com/mattjoyce/sandpit/internal/log"
	"github.com/mattjoyce/sandpit/internal/project"
)

// reportOutputLimit is the capture cap for compile and format runs, whose
// stdout/stderr carry payloads rather than chatter.
const reportOutputLimit = 4 << 20

var (
	// ErrUnsupportedVersion is returned for a version with no configured binaries.
	ErrUnsupportedVersion = errors.New("unsupported toolchain version")
	// ErrFormat is returned when the formatter rejects its input.
	ErrFormat = errors.New("format failed")
)

// installConfirmation answers the installer's "Would you like me to ...?" prompt.
var installConfirmation = []byte("Y\n")

// RawOutput is the unparsed result of a compiler run.
type RawOutput struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Adapter drives one toolchain family across its configured versions.
type Adapter struct {
	runner       *Runner
	versions     map[string]config.VersionConfig
	defaultVer   string
	basePackages project.PackageSet
	timeouts     config.TimeoutsConfig
	logger       *slog.Logger
}

// New builds an adapter from toolchain configuration.
func New(cfg config.ToolchainConfig) (*Adapter, error) {
	base, err := project.ParsePackageSet(cfg.BasePackages)
	if err != nil {
		return nil, fmt.Errorf("base packages: %w", err)
	}
	versions := make(map[string]config.VersionConfig, len(cfg.Versions))
	for v, bins := range cfg.Versions {
		versions[v] = bins
	}
	return &Adapter{
		runner:       NewRunner(cfg.Wrapper, cfg.MaxConcurrent),
		versions:     versions,
		defaultVer:   cfg.DefaultVersion,
		basePackages: base,
		timeouts:     cfg.Timeouts,
		logger:       log.WithComponent("toolchain"),
	}, nil
}

// Versions lists the configured versions in ascending order.
func (a *Adapter) Versions() []string {
	out := make([]string, 0, len(a.versions))
	for v := range a.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DefaultVersion is the version used when a request does not name one.
func (a *Adapter) DefaultVersion() string {
	return a.defaultVer
}

// BasePackages is the set installed into every fresh sandbox.
func (a *Adapter) BasePackages() project.PackageSet {
	return a.basePackages
}

func (a *Adapter) binaries(version string) (config.VersionConfig, error) {
	bins, ok := a.versions[version]
	if !ok || bins.Compiler == "" {
		return config.VersionConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	return bins, nil
}

// Provision initializes dir as a fresh project for version and installs the
// base packages one by one. Any failing install fails the whole provision;
// the caller owns removing dir afterwards.
func (a *Adapter) Provision(ctx context.Context, dir, version string) (*project.Descriptor, error) {
	bins, err := a.binaries(version)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	if err := project.WriteFile(dir, project.New(version, project.PackageSet{})); err != nil {
		return nil, err
	}

	for _, pkg := range a.basePackages.Packages() {
		res, err := a.runner.Run(ctx, Invocation{
			Dir:     dir,
			Binary:  bins.Compiler,
			Args:    []string{"install", pkg.Name},
			Stdin:   installConfirmation,
			Timeout: a.timeouts.Install,
		})
		if err != nil {
			return nil, fmt.Errorf("install %s: %w", pkg, err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("install %s: exit status %d: %s", pkg, res.ExitCode, firstLine(res.Stderr, res.Stdout))
		}
	}

	// The installer records what it resolved; pin the configured base
	// versions on top so the manifest matches the declared set exactly.
	manifest, err := project.ReadFile(dir)
	if err != nil {
		return nil, err
	}
	merged := manifest.Dependencies.Packages()
	for _, pkg := range a.basePackages.Packages() {
		merged = replaceOrAppend(merged, pkg)
	}
	deps, err := project.NewPackageSet(merged...)
	if err != nil {
		return nil, fmt.Errorf("merge base packages: %w", err)
	}
	if !deps.Equal(manifest.Dependencies) {
		manifest = manifest.WithDependencies(deps)
		if err := project.WriteFile(dir, manifest); err != nil {
			return nil, err
		}
	}

	a.logger.Debug("sandbox provisioned", "dir", dir, "version", version, "packages", deps.String())
	return manifest, nil
}

// InstallDependencies replaces the manifest in dir with one declaring exactly
// the manifest's dependencies. The write is atomic.
func (a *Adapter) InstallDependencies(ctx context.Context, dir string, manifest *project.Descriptor) error {
	if _, err := a.binaries(manifest.Version); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return project.WriteFile(dir, manifest)
}

// Compile runs the compiler in debug mode with a JSON report. A zero exit is
// a successful invocation even if stderr carries a report. A non-zero exit
// without any report is an error.
func (a *Adapter) Compile(ctx context.Context, dir, entry, output string, manifest *project.Descriptor) (*RawOutput, error) {
	bins, err := a.binaries(manifest.Version)
	if err != nil {
		return nil, err
	}
	res, err := a.runner.Run(ctx, Invocation{
		Dir:         dir,
		Binary:      bins.Compiler,
		Args:        []string{"make", entry, "--debug", "--output", output, "--report", "json"},
		Timeout:     a.timeouts.Compile,
		OutputLimit: reportOutputLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if res.ExitCode != 0 && len(bytes.TrimSpace(res.Stderr)) == 0 {
		return nil, fmt.Errorf("compile: exit status %d with no report: %s", res.ExitCode, firstLine(res.Stdout))
	}
	return &RawOutput{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}, nil
}

// Format pipes source through the formatter for version (the default
// version when empty). A non-zero exit or any stderr output wraps ErrFormat.
func (a *Adapter) Format(ctx context.Context, version, source string) (string, error) {
	if version == "" {
		version = a.defaultVer
	}
	bins, err := a.binaries(version)
	if err != nil {
		return "", err
	}
	if bins.Formatter == "" {
		return "", fmt.Errorf("%w: no formatter configured for %q", ErrUnsupportedVersion, version)
	}

	res, err := a.runner.Run(ctx, Invocation{
		Binary:      bins.Formatter,
		Args:        []string{"--stdin"},
		Stdin:       []byte(source),
		Timeout:     a.timeouts.Format,
		OutputLimit: reportOutputLimit,
	})
	if err != nil {
		return "", fmt.Errorf("format: %w", err)
	}
	if res.ExitCode != 0 || len(bytes.TrimSpace(res.Stderr)) > 0 {
		return "", fmt.Errorf("%w: %s", ErrFormat, firstLine(res.Stderr, res.Stdout))
	}
	return string(res.Stdout), nil
}

func replaceOrAppend(pkgs []project.Package, pkg project.Package) []project.Package {
	for i := range pkgs {
		if pkgs[i].Name == pkg.Name {
			pkgs[i] = pkg
			return pkgs
		}
	}
	return append(pkgs, pkg)
}

// firstLine returns the first non-empty line across the given streams, for
// compact error messages.
func firstLine(streams ...[]byte) string {
	for _, s := range streams {
		for _, line := range bytes.Split(s, []byte("\n")) {
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				return truncate(string(trimmed), 200)
			}
		}
	}
	return "(no output)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
