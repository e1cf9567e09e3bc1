// ABOUTME: Cron-driven idle sweep that ends conversations nobody touched for too long
// ABOUTME: Schedules use 5-field cron expressions or descriptors such as @every 5m

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable sweep schedule.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Sweeper ends idle conversations.
type Sweeper interface {
	SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error)
}

// Scheduler runs the idle sweep on a cron schedule. A sweep still running
// when the next one is due causes that run to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	maxIdle time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler. Pass nil logger for default.
func NewScheduler(sweeper Sweeper, schedule string, maxIdle time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIdle <= 0 {
		return nil, fmt.Errorf("max idle must be positive, got %s", maxIdle)
	}
	s := &Scheduler{
		sweeper: sweeper,
		maxIdle: maxIdle,
		timeout: time.Minute,
		logger:  logger.With("component", "idle_sweep"),
	}
	s.cron = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("idle sweep scheduled", "max_idle", s.maxIdle)
}

// Stop prevents further sweeps and waits for a running one, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.sweeper.SweepIdle(ctx, s.maxIdle)
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("idle sweep failed", "ended", n, "error", err)
		return
	}
	s.logger.Debug("idle sweep finished", "ended", n)
}
