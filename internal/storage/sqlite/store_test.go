package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "meerkat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func baseline() report.Baseline {
	b := report.Baseline{Meta: report.Meta{Title: "First look", Summary: "s", Advice: "a"}}
	for _, c := range report.Categories {
		b.Findings = append(b.Findings, report.Finding{Category: c, Status: "status " + string(c)})
	}
	return b
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open("")
	require.Error(t, err)
}

func TestTargetLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	a, err := store.CreateTarget(ctx, monitor.Target{Name: "A", URL: "https://a.test", IntervalMinutes: 15, Status: monitor.TargetActive})
	require.NoError(t, err)
	b, err := store.CreateTarget(ctx, monitor.Target{Name: "B", URL: "https://b.test", IntervalMinutes: 60, Status: monitor.TargetPaused})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	all, err := store.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := store.ListActiveTargets(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "A", active[0].Name)

	hash := "h1"
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a.LastHash = &hash
	a.LastScanAt = &now
	require.NoError(t, store.SaveTarget(ctx, a))

	got, err := store.GetTarget(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "h1", *got.LastHash)
	require.True(t, now.Equal(*got.LastScanAt))

	_, err = store.GetTarget(ctx, 999)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.ErrorIs(t, store.SaveTarget(ctx, monitor.Target{ID: 999, Status: monitor.TargetActive}), monitor.ErrNotFound)
}

func TestCommitScanAndLatestReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	target, err := store.CreateTarget(ctx, monitor.Target{Name: "A", URL: "https://a.test", IntervalMinutes: 15, Status: monitor.TargetActive})
	require.NoError(t, err)

	none, err := store.LatestReport(ctx, target.ID)
	require.NoError(t, err)
	require.Nil(t, none)

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	hash := "fp"
	target.LastHash = &hash
	target.LastScanAt = &t0
	id, err := store.CommitScan(ctx, monitor.ScanRecord{
		TargetID: target.ID, ScreenshotPath: "screenshots/a.png", Fingerprint: "fp",
		Status: monitor.ScanSuccess, Report: baseline(), ScannedAt: t0,
	}, target)
	require.NoError(t, err)

	_, err = store.CreateScan(ctx, monitor.ScanRecord{
		TargetID: target.ID, Fingerprint: "fp2", Status: monitor.ScanFailed,
		Error: "analysis failed", ScannedAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	latest, err := store.LatestReport(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, report.KindBaseline, latest.Kind())

	rec, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "screenshots/a.png", rec.ScreenshotPath)
	require.NotNil(t, rec.Report)

	scans, err := store.ListScans(ctx, target.ID, 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	require.Equal(t, monitor.ScanFailed, scans[0].Status)
	require.Equal(t, "analysis failed", scans[0].Error)

	saved, err := store.GetTarget(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, "fp", *saved.LastHash)
}

func TestCommitScanRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	target, err := store.CreateTarget(ctx, monitor.Target{Name: "A", URL: "https://a.test", IntervalMinutes: 15, Status: monitor.TargetActive})
	require.NoError(t, err)

	_, err = store.CommitScan(ctx,
		monitor.ScanRecord{TargetID: target.ID, Fingerprint: "fp", Status: monitor.ScanSuccess},
		monitor.Target{ID: target.ID + 100, Status: monitor.TargetActive, IntervalMinutes: 15})
	require.ErrorIs(t, err, monitor.ErrNotFound)

	scans, err := store.ListScans(ctx, target.ID, 10)
	require.NoError(t, err)
	require.Empty(t, scans)
}

func TestClaimAlertOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	target, err := store.CreateTarget(ctx, monitor.Target{Name: "A", URL: "https://a.test", IntervalMinutes: 15, Status: monitor.TargetActive})
	require.NoError(t, err)
	scanID, err := store.CreateScan(ctx, monitor.ScanRecord{TargetID: target.ID, Fingerprint: "fp", Status: monitor.ScanSuccess})
	require.NoError(t, err)

	_, err = store.ClaimAlert(ctx, monitor.Alert{ScanID: scanID + 50, Status: monitor.AlertPending})
	require.ErrorIs(t, err, monitor.ErrNotFound)

	claimed, err := store.ClaimAlert(ctx, monitor.Alert{ScanID: scanID, Status: monitor.AlertPending, Recipient: "ops@a.test"})
	require.NoError(t, err)
	require.NotZero(t, claimed.ID)

	_, err = store.ClaimAlert(ctx, monitor.Alert{ScanID: scanID, Status: monitor.AlertPending})
	require.ErrorIs(t, err, monitor.ErrAlertExists)

	sent := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	claimed.Status = monitor.AlertSent
	claimed.SentAt = &sent
	require.NoError(t, store.FinishAlert(ctx, claimed))

	got, err := store.GetAlertByScan(ctx, scanID)
	require.NoError(t, err)
	require.Equal(t, monitor.AlertSent, got.Status)
	require.True(t, sent.Equal(*got.SentAt))
}
