package workspace

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/report"
	"github.com/mattjoyce/sandpit/internal/toolchain"
)

//go:generate mockgen -destination=mocks/mock_toolchain.go -package=mocks github.com/mattjoyce/sandpit/internal/workspace Toolchain

var (
	// ErrProvisioning means a fresh sandbox could not be set up. The user has
	// no registered workspace afterwards.
	ErrProvisioning = errors.New("workspace provisioning failed")
	// ErrInfrastructure means the toolchain could not produce a usable
	// outcome (launch failure, timeout, unreadable report). Cached state is
	// unchanged and the request may be retried.
	ErrInfrastructure = errors.New("toolchain infrastructure failure")
	// ErrNoWorkspace is returned by operations that need an existing workspace.
	ErrNoWorkspace = errors.New("no workspace for user")
	// ErrInvalidUser rejects user ids that cannot name a sandbox directory.
	ErrInvalidUser = errors.New("invalid user id")
)

// Toolchain is the subset of the toolchain adapter the manager drives.
type Toolchain interface {
	Provision(ctx context.Context, dir, version string) (*project.Descriptor, error)
	InstallDependencies(ctx context.Context, dir string, manifest *project.Descriptor) error
	Compile(ctx context.Context, dir, entry, output string, manifest *project.Descriptor) (*toolchain.RawOutput, error)
}

// Recorder receives manager metrics.
type Recorder interface {
	ObserveCompile(outcome string, d time.Duration)
	ObserveProvision(ok bool, d time.Duration)
	SetActiveWorkspaces(n int)
}

// Compile outcomes reported to the Recorder and the event stream.
const (
	OutcomeClean          = "clean"
	OutcomeDiagnostic     = "diagnostic"
	OutcomeCached         = "cached"
	OutcomeInfrastructure = "infrastructure"
)

// Request is one compilation request.
type Request struct {
	UserID   string
	Version  string
	Source   string
	HTML     string
	Packages project.PackageSet
}

// Result is a manager-level compile outcome. A nil Diagnostic is a clean
// build; a non-nil one is a compiler-reported error.
type Result struct {
	Succeeded   bool               `json:"succeeded"`
	Diagnostic  *report.Diagnostic `json:"diagnostic,omitempty"`
	OutputPath  string             `json:"output_path,omitempty"`
	ContentHash string             `json:"content_hash"`
	Cached      bool               `json:"cached"`
	Duration    time.Duration      `json:"-"`
}

// Artifact is the output of the last clean build. ContentHash is the hash
// of the source it was built from, matching Result.ContentHash.
type Artifact struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// Info is a read-only view of one workspace.
type Info struct {
	UserID        string    `json:"user_id"`
	Dir           string    `json:"dir"`
	Version       string    `json:"version"`
	Packages      []string  `json:"packages"`
	ContentHash   string    `json:"content_hash,omitempty"`
	HasDiagnostic bool      `json:"has_diagnostic"`
	HasArtifact   bool      `json:"has_artifact"`
	Watched       bool      `json:"watched"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsed      time.Time `json:"last_used"`
}

// SweepReport summarizes an orphan sweep.
type SweepReport struct {
	Removed []string
}

type nopRecorder struct{}

func (nopRecorder) ObserveCompile(string, time.Duration) {}
func (nopRecorder) ObserveProvision(bool, time.Duration) {}
func (nopRecorder) SetActiveWorkspaces(int)              {}
