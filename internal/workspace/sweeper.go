package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	scheduler gocron.Scheduler
	m         *Manager
	grace     time.Duration
}

// NewSweeper schedules an orphan sweep every interval, removing unowned
// directories older than grace.
func NewSweeper(m *Manager, interval, grace time.Duration) (*Sweeper, error) {
	if interval <= 0 || grace <= 0 {
		return nil, fmt.Errorf("sweep interval and grace must be positive")
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	sw := &Sweeper{scheduler: s, m: m, grace: grace}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sw.sweep),
		gocron.WithName("orphan-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create sweep job: %w", err)
	}
	return sw, nil
}

func (s *Sweeper) sweep() {
	if _, err := s.m.Sweep(context.Background(), s.grace); err != nil {
		s.m.logger.Error("orphan sweep failed", "error", err)
	}
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.m.logger.Info("starting orphan sweeper", "grace", s.grace)
	s.scheduler.Start()
	<-ctx.Done()
	return s.scheduler.Shutdown()
}
