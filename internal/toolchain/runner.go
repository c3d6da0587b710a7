package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/sandpit/internal/log"
)

const (
	// defaultOutputLimit caps captured stdout and stderr unless an
	// invocation asks for more.
	defaultOutputLimit = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrTimeout is returned when a toolchain process outlives its timeout.
var ErrTimeout = errors.New("toolchain process timed out")

// Invocation describes one external process run.
type Invocation struct {
	Dir     string
	Binary  string
	Args    []string
	Stdin   []byte
	Timeout time.Duration
	// OutputLimit overrides the per-stream capture cap when > 0.
	OutputLimit int
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Duration  time.Duration
	Truncated bool
}

// Runner spawns toolchain processes. A shared semaphore caps how many run at
// once across all users.
type Runner struct {
	wrapper []string
	slots   *semaphore.Weighted
	grace   time.Duration
	logger  *slog.Logger
}

// NewRunner returns a runner that prefixes every command with wrapper (for
// example nice or taskset) and allows at most maxConcurrent live processes.
func NewRunner(wrapper []string, maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		wrapper: append([]string(nil), wrapper...),
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		grace:   terminationGracePeriod,
		logger:  log.WithComponent("toolchain"),
	}
}

func (r *Runner) argv(inv Invocation) (string, []string) {
	full := make([]string, 0, len(r.wrapper)+1+len(inv.Args))
	full = append(full, r.wrapper...)
	full = append(full, inv.Binary)
	full = append(full, inv.Args...)
	return full[0], full[1:]
}

// Run executes inv and waits for it. Waiting for a free slot honours ctx;
// once the process is started it runs to completion or timeout.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Binary == "" {
		return nil, fmt.Errorf("toolchain invocation has no binary")
	}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for toolchain slot: %w", err)
	}
	defer r.slots.Release(1)

	limit := inv.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}

	name, args := r.argv(inv)
	// Not CommandContext: termination is managed below.
	cmd := exec.Command(name, args...)
	cmd.Dir = inv.Dir
	// The wrapper and anything the compiler forks share one process group
	// so a timeout can signal all of them.
	setProcessGroup(cmd)
	cmd.Stdin = bytes.NewReader(inv.Stdin)

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := r.logger.With("binary", inv.Binary, "args", inv.Args, "dir", inv.Dir)
	logger.Debug("spawning toolchain process", "timeout", inv.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Binary, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-timeoutC:
		logger.Warn("toolchain process timed out, sending SIGTERM")
		if err := signalProcessGroup(cmd.Process, syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(r.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("toolchain process exited after SIGTERM")
		case <-grace.C:
			logger.Warn("toolchain process did not exit after SIGTERM, sending SIGKILL")
			if err := signalProcessGroup(cmd.Process, syscall.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, fmt.Errorf("%s after %s: %w", inv.Binary, inv.Timeout, ErrTimeout)

	case err := <-waitErr:
		res := &Result{
			Stdout:    stdout.Bytes(),
			Stderr:    stderr.Bytes(),
			Duration:  time.Since(start),
			Truncated: stdout.truncated || stderr.truncated,
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("wait for %s: %w", inv.Binary, err)
			}
			res.ExitCode = exitErr.ExitCode()
			logger.Debug("toolchain process exited with non-zero status", "exit_code", res.ExitCode)
		}
		if res.Truncated {
			logger.Warn("toolchain output truncated", "limit", limit)
		}
		return res, nil
	}
}

// cappedBuffer keeps the first limit bytes written and silently discards the
// rest so a chatty process cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}
