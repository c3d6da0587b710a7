// Command sandpit serves per-user compile sandboxes over HTTP and websockets.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/mattjoyce/sandpit/internal/config"
	"github.com/mattjoyce/sandpit/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// CLI is the root command line. Subcommands implement Run(*CLI) error.
type CLI struct {
	Config   string `short:"c" help:"Configuration file or directory" default:"config.yaml" env:"SANDPIT_CONFIG"`
	EnvFile  string `name:"env-file" help:"Dotenv file loaded before the config is parsed" default:".env"`
	LogLevel string `name:"log-level" help:"Override service.log_level"`

	Serve   ServeCmd   `cmd:"" help:"Run the sandbox service"`
	Doctor  DoctorCmd  `cmd:"" help:"Check the configuration against this host"`
	Format  FormatCmd  `cmd:"" help:"Format a source file with the configured formatter"`
	Compile CompileCmd `cmd:"" help:"Compile a source file once in a throwaway sandbox"`
	Watch   WatchCmd   `cmd:"" help:"Live terminal view of a running service"`
	Version VersionCmd `cmd:"" help:"Print build metadata"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("sandpit"),
		kong.Description("Per-user compile sandboxes for a browser code playground."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// loadConfig reads the dotenv file (when present) and then the config, and
// configures the global logger from it.
func (c *CLI) loadConfig() (*config.Config, error) {
	if err := loadEnvFile(c.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Service.LogLevel = c.LogLevel
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

// loadEnvFile loads KEY=VALUE pairs without overriding the real environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(filepath.Clean(path)); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
