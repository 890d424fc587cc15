package monitor

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JakeFAU/meerkat/internal/report"
)

// ErrNotFound signals that a referenced target, scan, or alert does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlertExists is returned when claiming an alert for a scan that already has one.
var ErrAlertExists = errors.New("alert already exists for scan")

// TargetStore persists monitored targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, target Target) (Target, error)
	GetTarget(ctx context.Context, id int64) (Target, error)
	SaveTarget(ctx context.Context, target Target) error
	ListTargets(ctx context.Context) ([]Target, error)
	ListActiveTargets(ctx context.Context) ([]Target, error)
}

// ScanStore persists scan records.
type ScanStore interface {
	// CreateScan inserts the record and returns its id.
	CreateScan(ctx context.Context, record ScanRecord) (int64, error)
	GetScan(ctx context.Context, id int64) (ScanRecord, error)
	ListScans(ctx context.Context, targetID int64, limit int) ([]ScanRecord, error)
	// LatestReport returns the report of the most recent success record with a
	// non-null report, or nil when the target has none.
	LatestReport(ctx context.Context, targetID int64) (report.Report, error)
	// CommitScan inserts the record and saves the target as one unit.
	CommitScan(ctx context.Context, record ScanRecord, target Target) (int64, error)
}

// AlertStore persists alerts. ClaimAlert is the at-most-once guard: it
// inserts a pending alert and fails with ErrAlertExists when one is present.
type AlertStore interface {
	GetAlertByScan(ctx context.Context, scanID int64) (Alert, error)
	ClaimAlert(ctx context.Context, alert Alert) (Alert, error)
	FinishAlert(ctx context.Context, alert Alert) error
}

// Store aggregates every persistence port.
type Store interface {
	TargetStore
	ScanStore
	AlertStore
	Close() error
}

// BlobStore persists binary artifacts and returns a storage URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher creates content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces opaque identifiers for queue items and requests.
type IDGenerator interface {
	NewID() (string, error)
}
