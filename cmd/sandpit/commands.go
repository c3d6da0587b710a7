package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sandpit/internal/doctor"
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/toolchain"
	"github.com/mattjoyce/sandpit/internal/tui"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

var errCompileFailed = errors.New("compile reported errors")

type DoctorCmd struct {
	Format string `help:"Output format" enum:"human,json" default:"human"`
}

func (d *DoctorCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	result := doctor.New(cfg).Validate()
	if d.Format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
	}
	return nil
}

type FormatCmd struct {
	File    string `arg:"" help:"Source file, or - for stdin" default:"-"`
	Version string `help:"Toolchain version (defaults to toolchain.default_version)"`
	Write   bool   `short:"w" help:"Rewrite the file in place instead of printing"`
}

func (f *FormatCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	adapter, err := toolchain.New(cfg.Toolchain)
	if err != nil {
		return err
	}
	source, err := readSource(f.File)
	if err != nil {
		return err
	}
	version := f.Version
	if version == "" {
		version = adapter.DefaultVersion()
	}

	formatted, err := adapter.Format(context.Background(), version, source)
	if err != nil {
		return err
	}
	if f.Write && f.File != "-" {
		return os.WriteFile(f.File, []byte(formatted), 0o644)
	}
	_, err = io.WriteString(os.Stdout, formatted)
	return err
}

type CompileCmd struct {
	File     string   `arg:"" help:"Entry source file, or - for stdin" default:"-"`
	Version  string   `help:"Toolchain version (defaults to toolchain.default_version)"`
	Packages []string `name:"package" short:"p" help:"Dependency as author/name@x.y.z (repeatable; defaults to the base set)"`
	Out      string   `short:"o" help:"Copy the compiled artifact here"`
	JSON     bool     `name:"json" help:"Print the full result as JSON"`
}

func (c *CompileCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	source, err := readSource(c.File)
	if err != nil {
		return err
	}
	adapter, err := toolchain.New(cfg.Toolchain)
	if err != nil {
		return err
	}

	root, err := os.MkdirTemp("", "sandpit-compile-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	manager, err := workspace.New(workspace.Config{
		Root:           root,
		EntryFile:      cfg.Workspace.EntryFile,
		OutputFile:     cfg.Workspace.OutputFile,
		HTMLFile:       cfg.Workspace.HTMLFile,
		DefaultVersion: adapter.DefaultVersion(),
	}, adapter)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	const user = "cli"
	var pkgs project.PackageSet
	if len(c.Packages) > 0 {
		if pkgs, err = project.ParsePackageSet(c.Packages); err != nil {
			return err
		}
	} else if pkgs, err = manager.Dependencies(ctx, user, c.Version); err != nil {
		return err
	}

	res, err := manager.Compile(ctx, workspace.Request{
		UserID:   user,
		Version:  c.Version,
		Source:   source,
		Packages: pkgs,
	})
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	if res.Diagnostic != nil {
		if !c.JSON {
			printDiagnostic(os.Stderr, res)
		}
		return errCompileFailed
	}

	if c.Out != "" {
		data, err := os.ReadFile(res.OutputPath)
		if err != nil {
			return fmt.Errorf("read artifact: %w", err)
		}
		if err := os.WriteFile(c.Out, data, 0o644); err != nil {
			return err
		}
	}
	if !c.JSON {
		fmt.Printf("compiled in %s (blake3 %s)\n", res.Duration.Round(time.Millisecond), res.ContentHash)
	}
	return nil
}

func printDiagnostic(w io.Writer, res *workspace.Result) {
	d := res.Diagnostic
	fmt.Fprintf(w, "%d problem(s): %s\n", d.ProblemCount(), d.Summary())
	locs := d.Locations()
	if len(locs) == 0 {
		fmt.Fprintln(w, d.Message.Text())
		return
	}
	for _, loc := range locs {
		fmt.Fprintf(w, "  %s:%d:%d %s\n", loc.Path, loc.Region.Start.Line, loc.Region.Start.Column, loc.Title)
	}
}

func readSource(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}

type WatchCmd struct {
	APIURL string `name:"api-url" help:"Service URL" default:"http://localhost:8080"`
	APIKey string `name:"api-key" help:"Bearer token with events:ro and workspaces:ro" env:"SANDPIT_API_KEY"`
}

func (w *WatchCmd) Run(_ *CLI) error {
	if w.APIKey == "" {
		return fmt.Errorf("API key required; use --api-key or SANDPIT_API_KEY")
	}
	p := tea.NewProgram(tui.NewMonitor(w.APIURL, w.APIKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
