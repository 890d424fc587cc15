// Package pipeline runs one monitoring execution for a target: scout, then
// capture and analysis when the page changed (or capture is forced), then a
// single commit of the record and the target's new fingerprint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/analyst"
	"github.com/JakeFAU/meerkat/internal/fingerprint"
	"github.com/JakeFAU/meerkat/internal/id/uuid"
	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/progress"
	"github.com/JakeFAU/meerkat/internal/snapshot"
)

const tracerName = "github.com/JakeFAU/meerkat/internal/pipeline"

// Scout digests a page without rendering it.
type Scout interface {
	Fingerprint(ctx context.Context, rawURL string) fingerprint.Result
}

// Capturer renders a page and stores the screenshot at dest.
type Capturer interface {
	Capture(ctx context.Context, rawURL, dest string, opts snapshot.Options) snapshot.Result
}

// Analyzer turns a screenshot into a report.
type Analyzer interface {
	Analyze(ctx context.Context, in analyst.Input) analyst.Result
}

// Config tunes execution policy.
type Config struct {
	// ForceScout still scouts forced runs so the record carries a real
	// fingerprint. The placeholder is used only when that scout fails.
	ForceScout bool `mapstructure:"force_scout"`
	// ThoroughScroll uses the slow scroll pass for every capture. Captures
	// are fast by default, forced or not.
	ThoroughScroll bool `mapstructure:"thorough_scroll"`
}

// Deps are the collaborators of an Orchestrator. Tracker and Logger may be
// nil; IDs defaults to UUIDv7.
type Deps struct {
	Store    monitor.Store
	Scout    Scout
	Capturer Capturer
	Analyzer Analyzer
	Hasher   monitor.Hasher
	Clock    monitor.Clock
	IDs      monitor.IDGenerator
	Tracker  *progress.Tracker
	Logger   *zap.Logger
}

// Result describes a finished execution. ScanID is zero when no record was
// written.
type Result struct {
	ScanID  int64  `json:"scan_id,omitempty"`
	Changed bool   `json:"changed"`
	Message string `json:"message"`
}

// Orchestrator sequences the stages and is the only place a stage failure
// becomes persisted state.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Scout == nil:
		return nil, errors.New("scout is required")
	case deps.Capturer == nil:
		return nil, errors.New("capturer is required")
	case deps.Analyzer == nil:
		return nil, errors.New("analyzer is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}, nil
}

// Run executes the pipeline for targetID. force skips the change gate.
func (o *Orchestrator) Run(ctx context.Context, targetID int64, force bool) (res Result, err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int64("target.id", targetID),
		attribute.Bool("force", force),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("changed", res.Changed), attribute.Int64("scan.id", res.ScanID))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target, err := o.deps.Store.GetTarget(ctx, targetID)
	if err != nil {
		return Result{Message: err.Error()}, fmt.Errorf("load target %d: %w", targetID, err)
	}
	log := o.logger.With(zap.Int64("target_id", target.ID), zap.String("target", target.Name), zap.Bool("force", force))
	exec := newExecution(target.ID, o.deps.Tracker)
	exec.to(ctx, progress.StateStarting, "")

	fp, changed, err := o.gate(ctx, exec, target, force)
	if err != nil {
		log.Warn("scout failed", zap.Error(err))
		exec.to(ctx, progress.StateFailed, err.Error())
		return Result{Message: err.Error()}, err
	}
	if !changed {
		return o.noChange(ctx, exec, target)
	}

	now := o.deps.Clock.Now().UTC()
	exec.to(ctx, progress.StateCapture, "")
	shot := o.capture(ctx, target, now)
	if !shot.OK() {
		return o.captureFailed(ctx, exec, target, fp, now, shot.Err)
	}

	exec.to(ctx, progress.StateGemini, "")
	analysis := o.analyze(ctx, target, shot.Image)
	if !analysis.OK() {
		return o.analysisFailed(ctx, exec, target, fp, shot.Path, now, analysis.Err)
	}

	exec.to(ctx, progress.StateSaving, "")
	record := monitor.ScanRecord{
		TargetID:       target.ID,
		ScreenshotPath: shot.Path,
		Fingerprint:    fp,
		Status:         monitor.ScanSuccess,
		Report:         analysis.Report,
		ScannedAt:      now,
	}
	target.LastHash = &fp
	target.LastScanAt = &now
	scanID, err := o.commit(ctx, record, target)
	if err != nil {
		exec.to(ctx, progress.StateFailed, err.Error())
		return Result{Changed: true, Message: err.Error()}, err
	}

	msg := fmt.Sprintf("%s report saved", analysis.Report.Kind())
	exec.to(ctx, progress.StateComplete, msg)
	log.Info("scan complete",
		zap.Int64("scan_id", scanID),
		zap.String("kind", string(analysis.Report.Kind())),
		zap.String("path", shot.Path),
	)
	return Result{ScanID: scanID, Changed: true, Message: msg}, nil
}

// gate decides whether to capture and returns the fingerprint to record.
func (o *Orchestrator) gate(ctx context.Context, exec *execution, target monitor.Target, force bool) (string, bool, error) {
	if force && !o.cfg.ForceScout {
		fp, err := o.placeholder(target.ID)
		return fp, true, err
	}

	exec.to(ctx, progress.StateScout, "")
	ctx, span := o.tracer.Start(ctx, "pipeline.scout")
	scout := o.deps.Scout.Fingerprint(ctx, target.URL)
	span.SetAttributes(attribute.Int("images", scout.ImageCount))
	span.End()

	if !scout.OK() {
		if force {
			o.logger.Debug("forced scout failed, using placeholder", zap.Int64("target_id", target.ID), zap.Error(scout.Err))
			fp, err := o.placeholder(target.ID)
			return fp, true, err
		}
		return "", false, fmt.Errorf("%w: %w", ErrScoutFailed, scout.Err)
	}
	if force {
		return scout.Fingerprint, true, nil
	}
	changed := target.LastHash == nil || *target.LastHash != scout.Fingerprint
	return scout.Fingerprint, changed, nil
}

// placeholder stands in for a fingerprint on forced runs. The next natural
// scout will not match it, so the page is captured again.
func (o *Orchestrator) placeholder(targetID int64) (string, error) {
	seed := fmt.Sprintf("%d_%s", targetID, o.deps.Clock.Now().UTC().Format(time.RFC3339))
	fp, err := o.deps.Hasher.Hash([]byte(seed))
	if err != nil {
		return "", fmt.Errorf("placeholder fingerprint: %w", err)
	}
	return fp, nil
}

func (o *Orchestrator) noChange(ctx context.Context, exec *execution, target monitor.Target) (Result, error) {
	now := o.deps.Clock.Now().UTC()
	target.LastScanAt = &now
	if err := o.deps.Store.SaveTarget(ctx, target); err != nil {
		err = fmt.Errorf("touch target %d: %w", target.ID, err)
		exec.to(ctx, progress.StateFailed, err.Error())
		return Result{Message: err.Error()}, err
	}
	exec.to(ctx, progress.StateNoChange, "")
	return Result{Changed: false, Message: progress.StateNoChange.Message()}, nil
}

func (o *Orchestrator) capture(ctx context.Context, target monitor.Target, now time.Time) snapshot.Result {
	ctx, span := o.tracer.Start(ctx, "pipeline.capture")
	defer span.End()
	// Concurrent runs for one target may start in the same second.
	suffix, err := o.deps.IDs.NewID()
	if err != nil {
		return snapshot.Result{Err: fmt.Errorf("screenshot name: %w", err)}
	}
	dest := snapshot.ObjectPath(target.ID, now, suffix)
	shot := o.deps.Capturer.Capture(ctx, target.URL, dest, snapshot.Options{Fast: !o.cfg.ThoroughScroll})
	if shot.Err != nil {
		span.SetStatus(codes.Error, shot.Err.Error())
	} else if !shot.OK() {
		shot.Err = errors.New("capture returned no path")
	}
	return shot
}

func (o *Orchestrator) analyze(ctx context.Context, target monitor.Target, image []byte) analyst.Result {
	ctx, span := o.tracer.Start(ctx, "pipeline.analyze")
	defer span.End()

	prior, err := o.deps.Store.LatestReport(ctx, target.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return analyst.Result{Err: fmt.Errorf("load prior report: %w", err)}
	}
	span.SetAttributes(attribute.Bool("baseline", prior == nil))
	res := o.deps.Analyzer.Analyze(ctx, analyst.Input{Image: image, TargetName: target.Name, Prior: prior})
	if res.Err == nil && res.Report == nil {
		res.Err = errors.New("analysis returned no report")
	}
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (o *Orchestrator) commit(ctx context.Context, record monitor.ScanRecord, target monitor.Target) (int64, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.save")
	defer span.End()
	id, err := o.deps.Store.CommitScan(ctx, record, target)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("commit scan: %w", err)
	}
	return id, nil
}

func (o *Orchestrator) captureFailed(
	ctx context.Context,
	exec *execution,
	target monitor.Target,
	fp string,
	now time.Time,
	cause error,
) (Result, error) {
	failure := fmt.Errorf("%w: %w", ErrCaptureFailed, cause)
	o.logger.Warn("capture failed", zap.Int64("target_id", target.ID), zap.Error(cause))
	id, err := o.deps.Store.CreateScan(ctx, monitor.ScanRecord{
		TargetID:    target.ID,
		Fingerprint: fp,
		Status:      monitor.ScanFailed,
		Error:       cause.Error(),
		ScannedAt:   now,
	})
	if err != nil {
		failure = errors.Join(failure, fmt.Errorf("record failed scan: %w", err))
	}
	exec.to(ctx, progress.StateFailed, cause.Error())
	return Result{ScanID: id, Changed: true, Message: failure.Error()}, failure
}

func (o *Orchestrator) analysisFailed(
	ctx context.Context,
	exec *execution,
	target monitor.Target,
	fp, path string,
	now time.Time,
	cause error,
) (Result, error) {
	failure := fmt.Errorf("%w: %w", ErrAnalysisFailed, cause)
	o.logger.Warn("analysis failed", zap.Int64("target_id", target.ID), zap.String("path", path), zap.Error(cause))
	id, err := o.deps.Store.CreateScan(ctx, monitor.ScanRecord{
		TargetID:       target.ID,
		ScreenshotPath: path,
		Fingerprint:    fp,
		Status:         monitor.ScanSuccess,
		Error:          cause.Error(),
		ScannedAt:      now,
	})
	if err != nil {
		failure = errors.Join(failure, fmt.Errorf("record unanalyzed scan: %w", err))
	}
	exec.to(ctx, progress.StateFailed, cause.Error())
	return Result{ScanID: id, Changed: true, Message: failure.Error()}, failure
}
