package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/poolfeed/internal/listing"
)

// Schedule is a recurring ingestion run.
type Schedule struct {
	Name        string              `mapstructure:"name"`
	Marketplace listing.Marketplace `mapstructure:"marketplace"`
	Query       string              `mapstructure:"query"`
	Limit       int                 `mapstructure:"limit"`
	Interval    time.Duration       `mapstructure:"interval"`
	// Detail overrides the runner default when set.
	Detail *bool `mapstructure:"detail"`
	// Delay postpones the first run; zero runs immediately.
	Delay time.Duration `mapstructure:"delay"`
}

func (s Schedule) validate() error {
	if s.Marketplace == "" {
		return fmt.Errorf("schedule %q: marketplace required", s.Name)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("schedule %q: interval must be positive", s.Name)
	}
	return nil
}

// Scheduler drives periodic runs. Runs of one schedule never overlap; runs
// of different schedules may.
type Scheduler struct {
	runner    *Runner
	schedules []Schedule
	logger    *slog.Logger
	// OnSummary, when set, receives every completed run.
	OnSummary func(Schedule, *Summary, error)
}

// NewScheduler validates schedules.
func NewScheduler(runner *Runner, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range schedules {
		if schedules[i].Name == "" {
			schedules[i].Name = fmt.Sprintf("%s:%s", schedules[i].Marketplace, schedules[i].Query)
		}
		if err := schedules[i].validate(); err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}
	return &Scheduler{runner: runner, schedules: schedules, logger: logger}, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.schedules) == 0 {
		s.logger.Info("no ingestion schedules configured")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sch := range s.schedules {
		g.Go(func() error {
			s.loop(gctx, sch)
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, sch Schedule) {
	logger := s.logger.With("schedule", sch.Name)
	logger.Info("schedule started", "interval", sch.Interval, "delay", sch.Delay)

	timer := time.NewTimer(sch.Delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("schedule stopped")
			return
		case <-timer.C:
		}

		sum, err := s.runner.Run(ctx, Request{
			Marketplace: sch.Marketplace,
			Query:       sch.Query,
			Limit:       sch.Limit,
			Detail:      sch.Detail,
		})
		if err != nil && ctx.Err() == nil {
			// The next tick retries.
			logger.Warn("scheduled run failed", "err", err)
		}
		if s.OnSummary != nil {
			s.OnSummary(sch, sum, err)
		}
		timer.Reset(sch.Interval)
	}
}
