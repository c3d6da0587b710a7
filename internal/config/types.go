package config

import "time"

// Config represents the complete sandpit configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	API       APIConfig       `yaml:"api,omitempty"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`

	// SourcePath is the absolute path the config was loaded from (not serialized).
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WorkspaceConfig controls where per-user sandboxes live and how they are reclaimed.
type WorkspaceConfig struct {
	Root       string `yaml:"root"`
	EntryFile  string `yaml:"entry_file"`
	OutputFile string `yaml:"output_file"`
	HTMLFile   string `yaml:"html_file"`

	// SweepInterval is how often orphaned sandbox directories are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// OrphanGrace is the minimum age of an unregistered directory before the
	// sweep removes it.
	OrphanGrace time.Duration `yaml:"orphan_grace"`
}

// ToolchainConfig describes the external compiler/formatter binaries.
type ToolchainConfig struct {
	// Wrapper is prepended to every toolchain command line (e.g. nice, taskset).
	Wrapper         []string                 `yaml:"wrapper,omitempty"`
	MaxConcurrent   int                      `yaml:"max_concurrent"`
	BasePackages    []string                 `yaml:"base_packages"`
	DefaultVersion  string                   `yaml:"default_version"`
	Timeouts        TimeoutsConfig           `yaml:"timeouts"`
	Versions        map[string]VersionConfig `yaml:"versions"`
	FormatCacheSize int                      `yaml:"format_cache_size"`
}

// VersionConfig names the binaries for one language/toolchain version.
type VersionConfig struct {
	Compiler  string `yaml:"compiler"`
	Formatter string `yaml:"formatter,omitempty"`
}

// TimeoutsConfig defines per-operation toolchain timeouts.
type TimeoutsConfig struct {
	Install time.Duration `yaml:"install"`
	Compile time.Duration `yaml:"compile"`
	Format  time.Duration `yaml:"format"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Listen      string            `yaml:"listen"`
	Auth        APIAuthConfig     `yaml:"auth"`
	CompileRate CompileRateConfig `yaml:"compile_rate"`
	// LeaseTimeout is how long a heartbeat lease survives without renewal.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// CompileRateConfig bounds how often one user may request compiles over HTTP.
type CompileRateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// StoreConfig selects the revision store backend.
type StoreConfig struct {
	Driver    string `yaml:"driver"` // sqlite | postgres
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn,omitempty"`
	CacheSize int    `yaml:"cache_size"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "sandpit",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Workspace: WorkspaceConfig{
			Root:          "./data/workspaces",
			EntryFile:     "src/Main.elm",
			OutputFile:    "build.js",
			HTMLFile:      "index.html",
			SweepInterval: 10 * time.Minute,
			OrphanGrace:   30 * time.Minute,
		},
		Toolchain: ToolchainConfig{
			MaxConcurrent: 4,
			BasePackages: []string{
				"elm/browser@1.0.2",
				"elm/core@1.0.5",
				"elm/html@1.0.0",
				"elm/json@1.1.3",
			},
			DefaultVersion: "0.19.1",
			Timeouts: TimeoutsConfig{
				Install: 2 * time.Minute,
				Compile: 60 * time.Second,
				Format:  10 * time.Second,
			},
			Versions: map[string]VersionConfig{
				"0.19.1": {Compiler: "elm", Formatter: "elm-format"},
			},
			FormatCacheSize: 512,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
			CompileRate: CompileRateConfig{
				PerSecond: 2,
				Burst:     5,
			},
			LeaseTimeout: 2 * time.Minute,
		},
		Store: StoreConfig{
			Driver:    "sqlite",
			Path:      "./data/sandpit.db",
			CacheSize: 1024,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}
