// Package worker executes queued scan requests.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/alert"
	"github.com/JakeFAU/meerkat/internal/metrics"
	"github.com/JakeFAU/meerkat/internal/pipeline"
	"github.com/JakeFAU/meerkat/internal/queue"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, targetID int64, force bool) (pipeline.Result, error)
}

// Alerter delivers the alert for a committed scan.
type Alerter interface {
	DispatchWithRetry(ctx context.Context, scanID int64) (alert.Outcome, error)
}

// Worker consumes queue items and runs the pipeline for each.
type Worker struct {
	queue   queue.Queue
	runner  Runner
	alerter Alerter
	policy  RetryPolicy
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker. alerter may be nil to disable notifications.
func New(q queue.Queue, runner Runner, alerter Alerter, policy RetryPolicy, logger *zap.Logger) *Worker {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   q,
		runner:  runner,
		alerter: alerter,
		policy:  policy,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued scan", zap.String("item_id", item.ID), zap.Int64("target_id", item.TargetID))
		w.Process(ctx, item)
	}
}

// Process runs item with retries, then dispatches its alert.
func (w *Worker) Process(ctx context.Context, item queue.Item) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	log := w.logger.With(zap.String("item_id", item.ID), zap.Int64("target_id", item.TargetID), zap.Bool("force", item.Force))
	attempt := item.Attempt
	if attempt < 1 {
		attempt = 1
	}
	for {
		res, err := w.runner.Run(ctx, item.TargetID, item.Force)
		if err == nil {
			metrics.ObserveScanJob("succeeded", time.Since(start))
			log.Info("scan finished", zap.Bool("changed", res.Changed), zap.Int64("scan_id", res.ScanID), zap.Int("attempt", attempt))
			w.dispatch(ctx, res.ScanID, log)
			return
		}
		if ctx.Err() != nil {
			metrics.ObserveScanJob("canceled", time.Since(start))
			log.Warn("scan interrupted", zap.Error(err), zap.Int("attempt", attempt))
			return
		}
		if !w.policy.ShouldRetry(err, attempt) {
			metrics.ObserveScanJob("failed", time.Since(start))
			log.Error("scan failed", zap.Error(err), zap.Int("attempt", attempt))
			return
		}
		delay := w.policy.Backoff(attempt)
		log.Warn("scan failed, retrying", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", delay))
		if err := w.sleep(ctx, delay); err != nil {
			metrics.ObserveScanJob("canceled", time.Since(start))
			return
		}
		attempt++
	}
}

func (w *Worker) dispatch(ctx context.Context, scanID int64, log *zap.Logger) {
	if w.alerter == nil || scanID == 0 {
		return
	}
	outcome, err := w.alerter.DispatchWithRetry(ctx, scanID)
	if err != nil {
		metrics.ObserveAlert("error")
		log.Error("alert dispatch failed", zap.Int64("scan_id", scanID), zap.Error(err))
		return
	}
	metrics.ObserveAlert(string(outcome))
	log.Debug("alert dispatched", zap.Int64("scan_id", scanID), zap.String("outcome", string(outcome)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
