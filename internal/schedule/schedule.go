// Package schedule turns polling intervals into queued scans.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/metrics"
	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/progress"
	"github.com/JakeFAU/meerkat/internal/queue"
)

// DefaultTick is how often due targets are evaluated.
const DefaultTick = time.Minute

// IsDue reports whether t should be scanned at now. Paused targets never are.
func IsDue(t monitor.Target, now time.Time) bool {
	if t.Status != monitor.TargetActive {
		return false
	}
	if t.LastScanAt == nil {
		return true
	}
	return !now.Before(t.LastScanAt.Add(t.Interval()))
}

// Submitter enqueues a scan request.
type Submitter interface {
	Submit(ctx context.Context, targetID int64, force bool) (queue.Item, error)
}

// StatusReader reports a target's live progress.
type StatusReader interface {
	Get(ctx context.Context, targetID int64) (progress.Status, error)
}

// Scheduler enqueues due targets on a fixed tick.
type Scheduler struct {
	targets  monitor.TargetStore
	statuses StatusReader
	submit   Submitter
	clock    monitor.Clock
	tick     time.Duration
	logger   *zap.Logger
}

// New builds a Scheduler. statuses may be nil to skip the in-flight check.
func New(
	targets monitor.TargetStore,
	statuses StatusReader,
	submit Submitter,
	clock monitor.Clock,
	tick time.Duration,
	logger *zap.Logger,
) (*Scheduler, error) {
	if targets == nil || submit == nil || clock == nil {
		return nil, errors.New("targets, submitter and clock are required")
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		targets:  targets,
		statuses: statuses,
		submit:   submit,
		clock:    clock,
		tick:     tick,
		logger:   logger,
	}, nil
}

// Due lists the active targets that are due now.
func (s *Scheduler) Due(ctx context.Context) ([]monitor.Target, error) {
	active, err := s.targets.ListActiveTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	now := s.clock.Now()
	due := make([]monitor.Target, 0, len(active))
	for _, t := range active {
		if IsDue(t, now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// Tick enqueues one unforced scan per due target that is not already in
// flight. Enqueue failures are logged and the remaining targets still run.
func (s *Scheduler) Tick(ctx context.Context) ([]queue.Item, error) {
	due, err := s.Due(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]queue.Item, 0, len(due))
	for _, t := range due {
		if s.inFlight(ctx, t.ID) {
			metrics.ObserveSchedule("in_flight")
			s.logger.Debug("target still scanning", zap.Int64("target_id", t.ID))
			continue
		}
		item, err := s.submit.Submit(ctx, t.ID, false)
		if err != nil {
			metrics.ObserveSchedule("error")
			s.logger.Error("enqueue scan failed", zap.Int64("target_id", t.ID), zap.Error(err))
			continue
		}
		metrics.ObserveSchedule("enqueued")
		items = append(items, item)
	}
	if len(items) > 0 {
		s.logger.Info("scheduled scans", zap.Int("count", len(items)), zap.Int("due", len(due)))
	}
	return items, nil
}

func (s *Scheduler) inFlight(ctx context.Context, targetID int64) bool {
	if s.statuses == nil {
		return false
	}
	status, err := s.statuses.Get(ctx, targetID)
	if err != nil {
		s.logger.Warn("progress lookup failed", zap.Int64("target_id", targetID), zap.Error(err))
		return false
	}
	return !status.State.Terminal()
}

// Run ticks immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("schedule tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
