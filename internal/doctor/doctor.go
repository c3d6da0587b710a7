// Package doctor checks a sandpit configuration against the host it will
// run on: toolchain binaries, workspace root, store location and API auth.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/sandpit/internal/auth"
	"github.com/mattjoyce/sandpit/internal/config"
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the local host.
type Doctor struct {
	cfg *config.Config

	lookPath   func(string) (string, error)
	requireFS  func(string) error
	probeWrite func(dir string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		requireFS:  storage.RequireLocalFilesystem,
		probeWrite: probeWritable,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkToolchainBinaries(r)
	d.checkBasePackages(r)
	d.checkWorkspaceRoot(r)
	d.checkStore(r)
	d.checkAPI(r)
	d.checkTokenScopes(r)
	d.warnSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkToolchainBinaries resolves every configured compiler, formatter and
// wrapper on PATH.
func (d *Doctor) checkToolchainBinaries(r *Result) {
	tc := d.cfg.Toolchain
	if len(tc.Wrapper) > 0 {
		if _, err := d.lookPath(tc.Wrapper[0]); err != nil {
			d.addError(r, "toolchain", "toolchain.wrapper[0]",
				fmt.Sprintf("wrapper %q not found: %v", tc.Wrapper[0], err))
		}
	}

	versions := make([]string, 0, len(tc.Versions))
	for v := range tc.Versions {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	for _, v := range versions {
		vc := tc.Versions[v]
		field := fmt.Sprintf("toolchain.versions[%q]", v)
		if _, err := d.lookPath(vc.Compiler); err != nil {
			d.addError(r, "toolchain", field+".compiler",
				fmt.Sprintf("compiler %q not found: %v", vc.Compiler, err))
		}
		if vc.Formatter == "" {
			d.addWarning(r, "toolchain", field+".formatter",
				fmt.Sprintf("no formatter for version %s; format requests will fail", v))
			continue
		}
		if _, err := d.lookPath(vc.Formatter); err != nil {
			d.addWarning(r, "toolchain", field+".formatter",
				fmt.Sprintf("formatter %q not found: %v", vc.Formatter, err))
		}
	}
}

func (d *Doctor) checkBasePackages(r *Result) {
	if _, err := project.ParsePackageSet(d.cfg.Toolchain.BasePackages); err != nil {
		d.addError(r, "toolchain", "toolchain.base_packages", err.Error())
	}
	if len(d.cfg.Toolchain.BasePackages) == 0 {
		d.addWarning(r, "toolchain", "toolchain.base_packages",
			"no base packages; fresh workspaces start with an empty dependency set")
	}
}

// checkWorkspaceRoot requires a writable root on local disk.
func (d *Doctor) checkWorkspaceRoot(r *Result) {
	root := d.cfg.Workspace.Root
	if err := d.requireFS(root); err != nil {
		d.addError(r, "workspace", "workspace.root", err.Error())
		return
	}
	if err := d.probeWrite(root); err != nil {
		d.addError(r, "workspace", "workspace.root", fmt.Sprintf("root is not writable: %v", err))
	}
}

func (d *Doctor) checkStore(r *Result) {
	st := d.cfg.Store
	switch st.Driver {
	case "sqlite", "":
		if err := d.requireFS(st.Path); err != nil {
			d.addError(r, "store", "store.path", err.Error())
		}
		absStore, err1 := filepath.Abs(st.Path)
		absRoot, err2 := filepath.Abs(d.cfg.Workspace.Root)
		if err1 == nil && err2 == nil && strings.HasPrefix(absStore, absRoot+string(filepath.Separator)) {
			d.addError(r, "store", "store.path",
				"store.path is inside workspace.root and would be purged at startup")
		}
	case "postgres":
		if strings.Contains(st.DSN, "sslmode=disable") {
			d.addWarning(r, "store", "store.dsn", "postgres connection has TLS disabled")
		}
	}
}

// checkAPI checks API server settings.
func (d *Doctor) checkAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	if api.Auth.APIKey != "" && len(api.Auth.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth",
			"both api_key and tokens configured; api_key grants full access")
	}
	if api.CompileRate.PerSecond <= 0 {
		d.addWarning(r, "api", "api.compile_rate.per_second", "compile rate limit disabled")
	}
}

// checkTokenScopes checks that each scope is one the API understands.
func (d *Doctor) checkTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
				"token has no scopes and can only reach unauthenticated endpoints")
		}
		for j, scope := range token.Scopes {
			if !auth.IsKnownScope(strings.TrimSpace(scope)) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (known: %s)", scope, strings.Join(auth.KnownScopes, ", ")))
			}
		}
	}
}

func (d *Doctor) warnSchedule(r *Result) {
	ws := d.cfg.Workspace
	if ws.SweepInterval == 0 {
		d.addWarning(r, "schedule", "workspace.sweep_interval", "orphan sweep disabled")
		return
	}
	if ws.OrphanGrace > 0 && ws.OrphanGrace < d.cfg.Toolchain.Timeouts.Install {
		d.addWarning(r, "schedule", "workspace.orphan_grace",
			"orphan_grace is shorter than the install timeout")
	}
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
