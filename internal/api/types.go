package api

import (
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/report"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

// CompileRequest is the JSON body for POST /v1/workspaces/{user}/compile.
// A nil Packages keeps whatever the workspace already has installed.
type CompileRequest struct {
	Version  string              `json:"version,omitempty"`
	Source   string              `json:"source"`
	HTML     string              `json:"html,omitempty"`
	Packages *project.PackageSet `json:"packages,omitempty"`
}

// CompileResponse is returned for every compile that produced an outcome,
// including compiler-reported errors.
type CompileResponse struct {
	Succeeded   bool               `json:"succeeded"`
	Diagnostic  *report.Diagnostic `json:"diagnostic,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	ContentHash string             `json:"content_hash"`
	Cached      bool               `json:"cached"`
	DurationMS  int64              `json:"duration_ms"`
	// ArtifactURL is set when the build produced output.
	ArtifactURL string `json:"artifact_url,omitempty"`
}

// DependenciesRequest is the JSON body for PUT .../dependencies.
type DependenciesRequest struct {
	Packages project.PackageSet `json:"packages"`
}

// DependenciesResponse lists a workspace's installed packages.
type DependenciesResponse struct {
	UserID   string             `json:"user_id"`
	Version  string             `json:"version,omitempty"`
	Packages project.PackageSet `json:"packages"`
}

// LeaseResponse is returned by PUT .../lease.
type LeaseResponse struct {
	UserID           string `json:"user_id"`
	Renewed          bool   `json:"renewed"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// WorkspacesResponse is returned by GET /v1/workspaces.
type WorkspacesResponse struct {
	Workspaces []workspace.Info `json:"workspaces"`
}

// FormatRequest is the JSON body for POST /v1/format.
type FormatRequest struct {
	Version string `json:"version,omitempty"`
	Source  string `json:"source"`
}

type FormatResponse struct {
	Formatted string `json:"formatted"`
}

// CreateRevisionRequest is the JSON body for POST /v1/revisions.
type CreateRevisionRequest struct {
	UserID   string             `json:"user_id"`
	Title    string             `json:"title,omitempty"`
	Source   string             `json:"source"`
	HTML     string             `json:"html,omitempty"`
	Packages project.PackageSet `json:"packages"`
	Version  string             `json:"version,omitempty"`
}

// ErrorResponse is returned on errors. Kind distinguishes provisioning and
// infrastructure failures so clients can decide whether to retry.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workspaces    int    `json:"workspaces"`
	Leases        int    `json:"leases"`
}
