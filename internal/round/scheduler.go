package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/roundamm/internal/clock"
)

// Scheduler runs one tick loop per category. Each tick opens the current
// slot's round if needed and advances every active round of the category.
type Scheduler struct {
	manager    *Manager
	categories []string
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(manager *Manager, categories []string, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		manager:    manager,
		categories: categories,
		interval:   interval,
		clock:      clk,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Run recovers active rounds and then ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("round scheduler starting",
		slog.Any("categories", s.categories),
		slog.Duration("interval", s.interval),
	)
	if _, err := s.manager.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, category := range s.categories {
		g.Go(func() error {
			err := s.loop(ctx, category)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("scheduler %s: %w", category, err)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("round scheduler stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("round scheduler stopped cleanly")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, category string) error {
	for {
		if err := s.Tick(ctx, category); err != nil {
			s.logger.Error("tick failed", slog.String("category", category), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}

// Tick performs one scheduling pass for category. Failures of individual
// rounds are joined so one stuck round never blocks the others.
func (s *Scheduler) Tick(ctx context.Context, category string) error {
	var errs []error
	if _, _, err := s.manager.Open(ctx, category); err != nil {
		errs = append(errs, err)
	}

	active, err := s.manager.Store.ListActiveRounds(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list active rounds: %w", err))...)
	}
	for _, r := range active {
		if r.Category != category {
			continue
		}
		if _, err := s.manager.Advance(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
