package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

var targetCols = []string{"id", "name", "url", "interval_minutes", "status", "last_hash", "last_scan_at", "created_at"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func sampleBaseline() report.Baseline {
	b := report.Baseline{Meta: report.Meta{Title: "First look", Summary: "s", Advice: "a"}}
	for _, c := range report.Categories {
		b.Findings = append(b.Findings, report.Finding{Category: c, Status: "status of " + string(c)})
	}
	return b
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestCreateTargetReturnsIdentity(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("INSERT INTO targets").
		WithArgs("Acme", "https://acme.test", 15, "active", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))

	got, err := store.CreateTarget(context.Background(), monitor.Target{
		Name:            "Acme",
		URL:             "https://acme.test",
		IntervalMinutes: 15,
		Status:          monitor.TargetActive,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), got.ID)
	require.Equal(t, now, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetMapsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	hash := "abc"

	mock.ExpectQuery("SELECT .+ FROM targets WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows(targetCols).
			AddRow(int64(3), "Acme", "https://acme.test", 30, "paused", &hash, &now, now))

	got, err := store.GetTarget(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, monitor.TargetPaused, got.Status)
	require.Equal(t, 30, got.IntervalMinutes)
	require.NotNil(t, got.LastHash)
	require.Equal(t, "abc", *got.LastHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM targets WHERE id").
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTarget(context.Background(), 9)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTargetMissingRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE targets").
		WithArgs(int64(4), "Acme", "https://acme.test", 15, "active", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SaveTarget(context.Background(), monitor.Target{
		ID: 4, Name: "Acme", URL: "https://acme.test", IntervalMinutes: 15, Status: monitor.TargetActive,
	})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitScanWritesRecordAndTarget(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	hash := "fp-1"

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO scan_records").
		WithArgs(int64(2), "screenshots/2.png", "fp-1", "success", pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("UPDATE targets").
		WithArgs(int64(2), "Acme", "https://acme.test", 15, "active", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, err := store.CommitScan(context.Background(),
		monitor.ScanRecord{
			TargetID:       2,
			ScreenshotPath: "screenshots/2.png",
			Fingerprint:    "fp-1",
			Status:         monitor.ScanSuccess,
			Report:         sampleBaseline(),
			ScannedAt:      now,
		},
		monitor.Target{
			ID: 2, Name: "Acme", URL: "https://acme.test", IntervalMinutes: 15,
			Status: monitor.TargetActive, LastHash: &hash, LastScanAt: &now,
		})
	require.NoError(t, err)
	require.Equal(t, int64(11), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitScanRollsBackWhenTargetMissing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO scan_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE targets").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := store.CommitScan(context.Background(),
		monitor.ScanRecord{TargetID: 5, Fingerprint: "x", Status: monitor.ScanSuccess},
		monitor.Target{ID: 5, Status: monitor.TargetActive})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestReportDecodesDocument(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	doc, err := report.Encode(sampleBaseline())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT report FROM scan_records").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"report"}).AddRow(doc))

	got, err := store.LatestReport(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, report.KindBaseline, got.Kind())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestReportEmptyHistory(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT report FROM scan_records").
		WithArgs(int64(2)).
		WillReturnError(pgx.ErrNoRows)

	got, err := store.LatestReport(context.Background(), 2)
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAlertConflict(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO alerts").
		WithArgs(int64(11), "pending", "ops@acme.test", "Change").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ClaimAlert(context.Background(), monitor.Alert{
		ScanID: 11, Status: monitor.AlertPending, Recipient: "ops@acme.test", Subject: "Change",
	})
	require.ErrorIs(t, err, monitor.ErrAlertExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishAlertUpdatesRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE alerts").
		WithArgs(int64(3), "sent", "ops@acme.test", "Change", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.FinishAlert(context.Background(), monitor.Alert{
		ID: 3, ScanID: 11, Status: monitor.AlertSent, Recipient: "ops@acme.test", Subject: "Change", SentAt: &now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
