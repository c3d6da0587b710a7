package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/sandpit/internal/api"
	"github.com/mattjoyce/sandpit/internal/auth"
	"github.com/mattjoyce/sandpit/internal/config"
	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/lock"
	"github.com/mattjoyce/sandpit/internal/log"
	"github.com/mattjoyce/sandpit/internal/metrics"
	"github.com/mattjoyce/sandpit/internal/revision"
	"github.com/mattjoyce/sandpit/internal/storage"
	"github.com/mattjoyce/sandpit/internal/toolchain"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

type ServeCmd struct {
	Listen string `help:"Override api.listen"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.API.Listen = s.Listen
		cfg.API.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		logger.Warn("config fingerprint unavailable", "error", err)
	}
	logger.Info("sandpit starting", "version", version, "config", cfg.SourcePath, "config_blake3", fingerprint)

	if err := storage.RequireLocalFilesystem(cfg.Workspace.Root); err != nil {
		return err
	}
	pidLock, err := lock.AcquireRoot(cfg.Workspace.Root)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another sandpit instance owns %s: %w", cfg.Workspace.Root, err)
		}
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired root lock", "path", pidLock.Path())

	adapter, err := toolchain.New(cfg.Toolchain)
	if err != nil {
		return fmt.Errorf("toolchain: %w", err)
	}
	formatter, err := toolchain.NewCachedFormatter(adapter, cfg.Toolchain.FormatCacheSize)
	if err != nil {
		return fmt.Errorf("format cache: %w", err)
	}

	rec := metrics.New()
	hub := events.NewHub(256)

	manager, err := workspace.New(workspace.Config{
		Root:           cfg.Workspace.Root,
		EntryFile:      cfg.Workspace.EntryFile,
		OutputFile:     cfg.Workspace.OutputFile,
		HTMLFile:       cfg.Workspace.HTMLFile,
		DefaultVersion: adapter.DefaultVersion(),
	}, adapter, workspace.WithPublisher(hub), workspace.WithRecorder(rec))
	if err != nil {
		return err
	}
	defer manager.Close()

	purged, err := manager.Purge()
	if err != nil {
		return fmt.Errorf("purge stale workspaces: %w", err)
	}
	logger.Info("workspace root ready", "root", manager.Root(), "purged", purged)

	db, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	logger.Info("store opened", "driver", db.Dialect)

	revisions, err := revision.NewStore(db, cfg.Store.CacheSize)
	if err != nil {
		return err
	}

	sweeper, err := workspace.NewSweeper(manager, cfg.Workspace.SweepInterval, cfg.Workspace.OrphanGrace)
	if err != nil {
		return err
	}
	watcher, err := workspace.NewWatcher(manager)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	if cfg.API.Enabled {
		var apiMetrics api.Metrics
		if cfg.Metrics.Enabled {
			apiMetrics = rec
		}
		server := api.New(apiConfig(cfg, adapter.DefaultVersion()), manager, formatter, revisions, hub, apiMetrics, log.WithComponent("api"))
		g.Go(func() error {
			err := server.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("sandpit running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("sandpit stopped")
	return nil
}

func apiConfig(cfg *config.Config, defaultVersion string) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Auth.APIKey,
		Tokens:         tokens,
		DefaultVersion: defaultVersion,
		CompileRate:    rate.Limit(cfg.API.CompileRate.PerSecond),
		CompileBurst:   cfg.API.CompileRate.Burst,
		LeaseTimeout:   cfg.API.LeaseTimeout,
	}
}
