package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, applies defaults and
// validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config. Unset fields take their
// values from Defaults().
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	// Maps would otherwise merge with the defaults; an explicit versions map
	// replaces the default one.
	var probe struct {
		Toolchain struct {
			Versions map[string]VersionConfig `yaml:"versions"`
		} `yaml:"toolchain"`
	}
	if err := yaml.Unmarshal([]byte(interpolated), &probe); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if probe.Toolchain.Versions != nil {
		cfg.Toolchain.Versions = nil
	}

	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder so validation can name the missing variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		return fmt.Errorf("workspace.root is required")
	}
	for field, rel := range map[string]string{
		"workspace.entry_file":  cfg.Workspace.EntryFile,
		"workspace.output_file": cfg.Workspace.OutputFile,
		"workspace.html_file":   cfg.Workspace.HTMLFile,
	} {
		if err := validateRelPath(rel); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if cfg.Workspace.SweepInterval < 0 || cfg.Workspace.OrphanGrace < 0 {
		return fmt.Errorf("workspace.sweep_interval and workspace.orphan_grace must not be negative")
	}

	tc := cfg.Toolchain
	if len(tc.Versions) == 0 {
		return fmt.Errorf("toolchain.versions must declare at least one version")
	}
	for v, vc := range tc.Versions {
		if strings.TrimSpace(vc.Compiler) == "" {
			return fmt.Errorf("toolchain.versions[%q].compiler is required", v)
		}
	}
	if tc.DefaultVersion == "" {
		return fmt.Errorf("toolchain.default_version is required")
	}
	if _, ok := tc.Versions[tc.DefaultVersion]; !ok {
		return fmt.Errorf("toolchain.default_version %q is not declared in toolchain.versions", tc.DefaultVersion)
	}
	if tc.MaxConcurrent <= 0 {
		return fmt.Errorf("toolchain.max_concurrent must be positive")
	}
	if tc.Timeouts.Install <= 0 || tc.Timeouts.Compile <= 0 || tc.Timeouts.Format <= 0 {
		return fmt.Errorf("toolchain.timeouts must all be positive")
	}
	for i, w := range tc.Wrapper {
		if strings.TrimSpace(w) == "" {
			return fmt.Errorf("toolchain.wrapper[%d] is empty", i)
		}
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
		if err := unresolved("store.dsn", cfg.Store.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres (got %q)", cfg.Store.Driver)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if cfg.API.CompileRate.PerSecond < 0 || cfg.API.CompileRate.Burst < 0 {
			return fmt.Errorf("api.compile_rate values must not be negative")
		}
		if cfg.API.LeaseTimeout <= 0 {
			return fmt.Errorf("api.lease_timeout must be positive")
		}
	}

	return nil
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func validateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("path is empty")
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be relative to the workspace", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the workspace", p)
	}
	return nil
}
