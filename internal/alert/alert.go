// Package alert decides whether a scan warrants a notification and delivers
// it at most once per scan.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/notify"
	"github.com/JakeFAU/meerkat/internal/report"
)

// Outcome is the result of one dispatch.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

// Config controls delivery.
type Config struct {
	Recipient   string        `mapstructure:"recipient"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// Dispatcher renders and sends alerts for scan records.
type Dispatcher struct {
	store    monitor.Store
	notifier notify.Notifier
	clock    monitor.Clock
	cfg      Config
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Dispatcher.
func New(store monitor.Store, notifier notify.Notifier, clock monitor.Clock, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if store == nil || notifier == nil || clock == nil {
		return nil, errors.New("store, notifier and clock are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}, nil
}

// Dispatch sends the alert for scanID unless one already exists or the
// report is not notable. Delivery errors are recorded on the alert and
// reported as OutcomeFailed with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, scanID int64) (Outcome, error) {
	record, err := d.store.GetScan(ctx, scanID)
	if err != nil {
		return "", fmt.Errorf("load scan %d: %w", scanID, err)
	}
	if _, err := d.store.GetAlertByScan(ctx, scanID); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, monitor.ErrNotFound) {
		return "", fmt.Errorf("check alert for scan %d: %w", scanID, err)
	}
	if record.Report == nil || !report.Notable(record.Report) {
		return OutcomeSkipped, nil
	}
	target, err := d.store.GetTarget(ctx, record.TargetID)
	if err != nil {
		return "", fmt.Errorf("load target %d: %w", record.TargetID, err)
	}

	claimed, err := d.store.ClaimAlert(ctx, monitor.Alert{
		ScanID:    scanID,
		Status:    monitor.AlertPending,
		Recipient: d.cfg.Recipient,
		Subject:   Subject(target, record.Report),
		CreatedAt: d.clock.Now().UTC(),
	})
	if errors.Is(err, monitor.ErrAlertExists) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim alert for scan %d: %w", scanID, err)
	}
	return d.deliver(ctx, claimed, target, record)
}

// Redeliver retries a failed alert. Alerts in any other state are left alone.
func (d *Dispatcher) Redeliver(ctx context.Context, scanID int64) (Outcome, error) {
	existing, err := d.store.GetAlertByScan(ctx, scanID)
	if err != nil {
		return "", fmt.Errorf("load alert for scan %d: %w", scanID, err)
	}
	if existing.Status != monitor.AlertFailed {
		return OutcomeDuplicate, nil
	}
	record, err := d.store.GetScan(ctx, scanID)
	if err != nil {
		return "", fmt.Errorf("load scan %d: %w", scanID, err)
	}
	target, err := d.store.GetTarget(ctx, record.TargetID)
	if err != nil {
		return "", fmt.Errorf("load target %d: %w", record.TargetID, err)
	}
	return d.deliver(ctx, existing, target, record)
}

// DispatchWithRetry dispatches and then redelivers a failed alert up to
// MaxAttempts deliveries in total, waiting Backoff between them.
func (d *Dispatcher) DispatchWithRetry(ctx context.Context, scanID int64) (Outcome, error) {
	outcome, err := d.Dispatch(ctx, scanID)
	for attempt := 1; err == nil && outcome == OutcomeFailed && attempt < d.cfg.MaxAttempts; attempt++ {
		if err := d.sleep(ctx, d.cfg.Backoff); err != nil {
			return outcome, err
		}
		d.logger.Info("redelivering alert", zap.Int64("scan_id", scanID), zap.Int("attempt", attempt+1))
		outcome, err = d.Redeliver(ctx, scanID)
	}
	return outcome, err
}

func (d *Dispatcher) deliver(ctx context.Context, a monitor.Alert, target monitor.Target, record monitor.ScanRecord) (Outcome, error) {
	log := d.logger.With(zap.Int64("scan_id", record.ID), zap.Int64("target_id", target.ID))
	body, err := Body(target, record)
	if err != nil {
		return d.finish(ctx, a, err, log)
	}
	sendErr := d.notifier.Send(ctx, notify.Message{
		Recipient: a.Recipient,
		Subject:   a.Subject,
		Body:      body,
		ScanID:    record.ID,
		TargetID:  target.ID,
		Kind:      string(record.Report.Kind()),
		MaxImpact: report.MaxImpact(record.Report),
		CreatedAt: a.CreatedAt,
	})
	return d.finish(ctx, a, sendErr, log)
}

func (d *Dispatcher) finish(ctx context.Context, a monitor.Alert, sendErr error, log *zap.Logger) (Outcome, error) {
	outcome := OutcomeSent
	if sendErr != nil {
		outcome = OutcomeFailed
		a.Status = monitor.AlertFailed
		a.Error = sendErr.Error()
		a.SentAt = nil
		log.Warn("alert delivery failed", zap.Error(sendErr))
	} else {
		now := d.clock.Now().UTC()
		a.Status = monitor.AlertSent
		a.Error = ""
		a.SentAt = &now
		log.Info("alert sent", zap.String("subject", a.Subject))
	}
	if err := d.store.FinishAlert(ctx, a); err != nil {
		return outcome, fmt.Errorf("finish alert %d: %w", a.ID, err)
	}
	return outcome, nil
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
