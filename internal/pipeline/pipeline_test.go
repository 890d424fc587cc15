package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/analyst"
	"github.com/JakeFAU/meerkat/internal/clock/system"
	"github.com/JakeFAU/meerkat/internal/fingerprint"
	"github.com/JakeFAU/meerkat/internal/hash/sha256"
	"github.com/JakeFAU/meerkat/internal/inference"
	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/progress"
	"github.com/JakeFAU/meerkat/internal/report"
	"github.com/JakeFAU/meerkat/internal/snapshot"
	"github.com/JakeFAU/meerkat/internal/storage/memory"
)

type fakeScout struct {
	mu    sync.Mutex
	res   fingerprint.Result
	calls int
}

func (f *fakeScout) Fingerprint(context.Context, string) fingerprint.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res
}

type fakeCapturer struct {
	mu    sync.Mutex
	err   error
	dests []string
	opts  []snapshot.Options
}

func (f *fakeCapturer) Capture(_ context.Context, _ string, dest string, opts snapshot.Options) snapshot.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dests = append(f.dests, dest)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return snapshot.Result{Err: f.err}
	}
	return snapshot.Result{Path: "memory://" + dest, Image: []byte("png")}
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	rep    report.Report
	err    error
	priors []report.Report
}

func (f *fakeAnalyzer) Analyze(_ context.Context, in analyst.Input) analyst.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priors = append(f.priors, in.Prior)
	if f.err != nil {
		return analyst.Result{Err: f.err}
	}
	return analyst.Result{Report: f.rep}
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type recordingEmitter struct {
	mu     sync.Mutex
	states []progress.State
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, evt.State)
}

func (r *recordingEmitter) seen() []progress.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.State(nil), r.states...)
}

type harness struct {
	orch     *Orchestrator
	store    *memory.Store
	scout    *fakeScout
	capturer *fakeCapturer
	analyzer *fakeAnalyzer
	emitter  *recordingEmitter
	tracker  *progress.Tracker
	clock    *system.Manual
	target   monitor.Target
}

var start = time.Date(2024, 6, 3, 9, 30, 15, 0, time.UTC)

func baseline() report.Baseline {
	return report.Baseline{
		Meta:     report.Meta{Title: "First measurement Acme"},
		Findings: []report.Finding{{Category: report.Price, Status: "25 euro"}},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewStore(),
		scout:    &fakeScout{res: fingerprint.Result{Fingerprint: "fp-1"}},
		capturer: &fakeCapturer{},
		analyzer: &fakeAnalyzer{rep: baseline()},
		emitter:  &recordingEmitter{},
		clock:    system.NewManual(start),
	}
	h.tracker = progress.NewTracker(progress.NewMemoryStore(h.clock.Now),
		progress.WithClock(h.clock.Now),
		progress.WithEmitter(h.emitter),
	)
	target, err := h.store.CreateTarget(context.Background(), monitor.Target{
		Name:            "Acme",
		URL:             "https://acme.example/deals",
		IntervalMinutes: 15,
		Status:          monitor.TargetActive,
	})
	require.NoError(t, err)
	h.target = target

	h.orch, err = New(Deps{
		Store:    h.store,
		Scout:    h.scout,
		Capturer: h.capturer,
		Analyzer: h.analyzer,
		Hasher:   sha256.New(),
		Clock:    h.clock,
		IDs:      &sequenceIDs{},
		Tracker:  h.tracker,
		Logger:   zap.NewNop(),
	}, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) reload(t *testing.T) monitor.Target {
	t.Helper()
	target, err := h.store.GetTarget(context.Background(), h.target.ID)
	require.NoError(t, err)
	return target
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestRunFirstScanCapturesAndCommits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NotZero(t, res.ScanID)

	require.Equal(t, []progress.State{
		progress.StateStarting, progress.StateScout, progress.StateCapture,
		progress.StateGemini, progress.StateSaving, progress.StateComplete,
	}, h.emitter.seen())

	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, monitor.ScanSuccess, rec.Status)
	require.Equal(t, "fp-1", rec.Fingerprint)
	require.Equal(t, "memory://screenshots/1_20240603_093015_id-1.png", rec.ScreenshotPath)
	require.Equal(t, report.KindBaseline, rec.Report.Kind())

	target := h.reload(t)
	require.Equal(t, "fp-1", *target.LastHash)
	require.True(t, target.LastScanAt.Equal(start))
	require.Equal(t, []snapshot.Options{{Fast: true}}, h.capturer.opts)
	require.Nil(t, h.analyzer.priors[0])

	status, err := h.tracker.Get(context.Background(), h.target.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StateComplete, status.State)
	require.Equal(t, 6, status.Step)
}

func TestRunUnchangedOnlyTouchesTimestamp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)

	h.clock.Advance(15 * time.Minute)
	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Zero(t, res.ScanID)
	require.Len(t, h.capturer.dests, 1)

	scans, err := h.store.ListScans(context.Background(), h.target.ID, 0)
	require.NoError(t, err)
	require.Len(t, scans, 1)

	target := h.reload(t)
	require.Equal(t, "fp-1", *target.LastHash)
	require.True(t, target.LastScanAt.Equal(start.Add(15*time.Minute)))
	require.Equal(t, progress.StateNoChange, h.emitter.seen()[len(h.emitter.seen())-1])
}

func TestRunChangedUsesLatestReportAsPrior(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	h.scout.res = fingerprint.Result{Fingerprint: "fp-2"}
	h.analyzer.rep = report.Comparison{
		Meta:    report.Meta{Title: "Price cut"},
		Changes: []report.Change{{Category: report.Price, ImpactScore: 8}},
	}
	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Contains(t, res.Message, string(report.KindCritical))

	require.Len(t, h.analyzer.priors, 2)
	require.Equal(t, report.KindBaseline, h.analyzer.priors[1].Kind())
	require.Equal(t, "fp-2", *h.reload(t).LastHash)
}

func TestRunScoutFailureWritesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.scout.res = fingerprint.Result{Err: errors.New("dial tcp: refused")}

	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.ErrorIs(t, err, ErrScoutFailed)
	require.Zero(t, res.ScanID)
	require.Empty(t, h.capturer.dests)

	scans, err := h.store.ListScans(context.Background(), h.target.ID, 0)
	require.NoError(t, err)
	require.Empty(t, scans)
	require.Nil(t, h.reload(t).LastScanAt)

	status, err := h.tracker.Get(context.Background(), h.target.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StateFailed, status.State)
	require.Contains(t, status.Detail, "refused")
}

func TestRunCaptureFailurePersistsFailedRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.capturer.err = errors.New("navigation timeout")

	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.ErrorIs(t, err, ErrCaptureFailed)
	require.NotZero(t, res.ScanID)

	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, monitor.ScanFailed, rec.Status)
	require.Equal(t, "fp-1", rec.Fingerprint)
	require.Equal(t, "navigation timeout", rec.Error)
	require.Nil(t, rec.Report)

	target := h.reload(t)
	require.Nil(t, target.LastHash)
	require.Nil(t, target.LastScanAt)
	require.Empty(t, h.analyzer.priors)
}

func TestRunAnalysisFailureKeepsScreenshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.analyzer.err = &analyst.ParseError{Prefix: "not json", Err: errors.New("invalid character")}

	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.ErrorIs(t, err, ErrAnalysisFailed)
	require.ErrorIs(t, err, analyst.ErrParse)

	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, monitor.ScanSuccess, rec.Status)
	require.Nil(t, rec.Report)
	require.NotEmpty(t, rec.ScreenshotPath)
	require.NotEmpty(t, rec.Error)
	require.Nil(t, h.reload(t).LastHash)

	prior, err := h.store.LatestReport(context.Background(), h.target.ID)
	require.NoError(t, err)
	require.Nil(t, prior)
}

func TestRunForcedWithoutScoutUsesPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ForceScout: false})

	res, err := h.orch.Run(context.Background(), h.target.ID, true)
	require.NoError(t, err)
	require.Zero(t, h.scout.calls)
	require.Equal(t, []snapshot.Options{{Fast: true}}, h.capturer.opts)

	want, err := sha256.New().Hash([]byte("1_2024-06-03T09:30:15Z"))
	require.NoError(t, err)
	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, want, rec.Fingerprint)
	require.Equal(t, []progress.State{
		progress.StateStarting, progress.StateCapture, progress.StateGemini,
		progress.StateSaving, progress.StateComplete,
	}, h.emitter.seen())
}

func TestRunForcedScoutRecordsRealFingerprintEvenWhenUnchanged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ForceScout: true})
	_, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)

	res, err := h.orch.Run(context.Background(), h.target.ID, true)
	require.NoError(t, err)
	require.True(t, res.Changed)
	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, "fp-1", rec.Fingerprint)
	require.Len(t, h.capturer.dests, 2)
}

func TestRunForcedScoutFailureFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ForceScout: true})
	h.scout.res = fingerprint.Result{Err: errors.New("blocked")}

	res, err := h.orch.Run(context.Background(), h.target.ID, true)
	require.NoError(t, err)
	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Len(t, rec.Fingerprint, 64)
	require.NotEqual(t, "fp-1", rec.Fingerprint)
}

func TestRunUnknownTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_, err := h.orch.Run(context.Background(), 999, false)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.Empty(t, h.emitter.seen())
}

func TestRunWithStaticModel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	client := inference.NewStatic(`{"type":"baseline","title":"First measurement Acme","summary":"s",
"baseline":[{"category":"PROMOTION","status":"none"},{"category":"PRICE","status":"25 euro"},
{"category":"PRODUCTS_SERVICES","status":"mobile"},{"category":"MARKETING_MESSAGE","status":"always on"}],"advice":"a"}`)
	a, err := analyst.New(client, analyst.Config{}, zap.NewNop())
	require.NoError(t, err)
	h.orch.deps.Analyzer = a

	res, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)
	require.Len(t, client.Calls(), 1)
	require.True(t, strings.Contains(client.Calls()[0].Instructions, "Acme"))

	rec, err := h.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, report.KindBaseline, rec.Report.Kind())
}

func TestIllegalTransitionPanics(t *testing.T) {
	t.Parallel()
	exec := newExecution(1, nil)
	require.Panics(t, func() { exec.to(context.Background(), progress.StateSaving, "") })
	exec.to(context.Background(), progress.StateStarting, "")
	require.Equal(t, []progress.State{progress.StateIdle, progress.StateStarting}, exec.trace)
}

func TestRunThoroughScrollSlowsEveryCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ThoroughScroll: true})

	_, err := h.orch.Run(context.Background(), h.target.ID, false)
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), h.target.ID, true)
	require.NoError(t, err)
	require.Equal(t, []snapshot.Options{{Fast: false}, {Fast: false}}, h.capturer.opts)
}

func TestRunsInSameSecondGetDistinctScreenshots(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	first, err := h.orch.Run(context.Background(), h.target.ID, true)
	require.NoError(t, err)
	second, err := h.orch.Run(context.Background(), h.target.ID, true)
	require.NoError(t, err)

	require.Len(t, h.capturer.dests, 2)
	require.NotEqual(t, h.capturer.dests[0], h.capturer.dests[1])
	a, err := h.store.GetScan(context.Background(), first.ScanID)
	require.NoError(t, err)
	b, err := h.store.GetScan(context.Background(), second.ScanID)
	require.NoError(t, err)
	require.NotEqual(t, a.ScreenshotPath, b.ScreenshotPath)
}

func TestRunFailsCaptureWhenNamingFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	orch, err := New(Deps{
		Store:    h.store,
		Scout:    h.scout,
		Capturer: h.capturer,
		Analyzer: h.analyzer,
		Hasher:   sha256.New(),
		Clock:    h.clock,
		IDs:      failingIDs{},
	}, Config{})
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), h.target.ID, false)
	require.ErrorIs(t, err, ErrCaptureFailed)
	require.ErrorContains(t, err, "entropy exhausted")
	require.Empty(t, h.capturer.dests)
}
