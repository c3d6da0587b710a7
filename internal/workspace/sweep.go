package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/sandpit/internal/events"
)

// Sweep removes sandbox directories that no registered workspace owns and
// whose modification time is older than olderThan. Directories of users with
// an operation in flight are skipped.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if err := ctx.Err(); err != nil {
		return SweepReport{}, err
	}
	if olderThan <= 0 {
		return SweepReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return SweepReport{}, nil
	}
	if err != nil {
		return SweepReport{}, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := SweepReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		removed, err := m.sweepOne(name, cutoff)
		if err != nil {
			return report, err
		}
		if removed {
			report.Removed = append(report.Removed, name)
		}
	}

	if len(report.Removed) > 0 {
		m.logger.Info("swept orphan sandboxes", "removed", len(report.Removed))
		m.publisher.Publish(events.TypeSwept, events.SweepEvent{Removed: report.Removed})
	}
	return report, nil
}

// sweepOne removes one orphan directory while holding the user's lock, so a
// compile for that user cannot provision into it mid-removal.
func (m *Manager) sweepOne(name string, cutoff time.Time) (bool, error) {
	release, ok := m.locks.tryAcquire(name)
	if !ok {
		return false, nil
	}
	defer release()
	if m.lookup(name) != nil {
		return false, nil
	}

	path := filepath.Join(m.root, name)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read sandbox entry info %q: %w", name, err)
	}
	if !info.IsDir() || info.ModTime().After(cutoff) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("remove orphan sandbox %q: %w", name, err)
	}
	return true, nil
}

func (m *Manager) workspacePath(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, userID), nil
}

// ValidateUserID reports whether userID can name a sandbox directory.
func ValidateUserID(userID string) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUser)
	}
	if trimmed != userID {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidUser, userID)
	}
	if strings.HasPrefix(trimmed, ".") {
		return fmt.Errorf("%w: %q must not start with a dot", ErrInvalidUser, userID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("%w: %q must not contain path separators", ErrInvalidUser, userID)
	}
	if len(trimmed) > 128 {
		return fmt.Errorf("%w: longer than 128 bytes", ErrInvalidUser)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	return nil
}
