// Package postgres provides Postgres-backed persistence for targets, scan
// records, alerts, and scan progress.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// EnsureSchema applies Schema on connect.
	EnsureSchema bool
}

// dbPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements monitor.Store on Postgres.
type Store struct {
	pool dbPool
}

var _ monitor.Store = (*Store)(nil)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Connect opens a pgx pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.EnsureSchema {
		if _, err := pool.Exec(ctx, Schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return pool, nil
}

// New connects and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Progress returns a progress store sharing this store's pool.
func (s *Store) Progress() *ProgressStore {
	return &ProgressStore{pool: s.pool, now: time.Now}
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const targetColumns = `id, name, url, interval_minutes, status, last_hash, last_scan_at, created_at`

// CreateTarget inserts a target and returns it with id and creation time.
func (s *Store) CreateTarget(ctx context.Context, target monitor.Target) (monitor.Target, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO targets (name, url, interval_minutes, status, last_hash, last_scan_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at`,
		target.Name,
		target.URL,
		target.IntervalMinutes,
		string(target.Status),
		target.LastHash,
		target.LastScanAt,
	).Scan(&target.ID, &target.CreatedAt)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("insert target: %w", err)
	}
	return target, nil
}

// GetTarget loads one target.
func (s *Store) GetTarget(ctx context.Context, id int64) (monitor.Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	target, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %d: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

// SaveTarget updates every mutable column of a target.
func (s *Store) SaveTarget(ctx context.Context, target monitor.Target) error {
	return saveTarget(ctx, s.pool, target)
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

func saveTarget(ctx context.Context, db execer, target monitor.Target) error {
	tag, err := db.Exec(ctx, `
UPDATE targets
SET name = $2, url = $3, interval_minutes = $4, status = $5, last_hash = $6, last_scan_at = $7
WHERE id = $1`,
		target.ID,
		target.Name,
		target.URL,
		target.IntervalMinutes,
		string(target.Status),
		target.LastHash,
		target.LastScanAt,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %d: %w", target.ID, monitor.ErrNotFound)
	}
	return nil
}

// ListTargets returns all targets ordered by id.
func (s *Store) ListTargets(ctx context.Context) ([]monitor.Target, error) {
	return s.listTargets(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY id`)
}

// ListActiveTargets returns active targets ordered by id.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	return s.listTargets(ctx, `SELECT `+targetColumns+` FROM targets WHERE status = 'active' ORDER BY id`)
}

func (s *Store) listTargets(ctx context.Context, query string) ([]monitor.Target, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	var out []monitor.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

func scanTarget(row pgx.Row) (monitor.Target, error) {
	var (
		target monitor.Target
		status string
	)
	if err := row.Scan(
		&target.ID,
		&target.Name,
		&target.URL,
		&target.IntervalMinutes,
		&status,
		&target.LastHash,
		&target.LastScanAt,
		&target.CreatedAt,
	); err != nil {
		return monitor.Target{}, err
	}
	target.Status = monitor.TargetStatus(status)
	return target, nil
}

const scanColumns = `id, target_id, screenshot_path, fingerprint, status, report, error, scanned_at`

// CreateScan inserts a scan record.
func (s *Store) CreateScan(ctx context.Context, record monitor.ScanRecord) (int64, error) {
	return insertScan(ctx, s.pool, record)
}

type queryRower interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

func insertScan(ctx context.Context, db queryRower, record monitor.ScanRecord) (int64, error) {
	doc, err := encodeReport(record.Report)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.QueryRow(ctx, `
INSERT INTO scan_records (target_id, screenshot_path, fingerprint, status, report, error, scanned_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		record.TargetID,
		record.ScreenshotPath,
		record.Fingerprint,
		string(record.Status),
		doc,
		nullableText(record.Error),
		record.ScannedAt,
	).Scan(&id)
	if err != nil {
		if isPgCode(err, foreignKeyViolation) {
			return 0, fmt.Errorf("target %d: %w", record.TargetID, monitor.ErrNotFound)
		}
		return 0, fmt.Errorf("insert scan record: %w", err)
	}
	return id, nil
}

// CommitScan inserts the record and saves the target in one transaction.
func (s *Store) CommitScan(ctx context.Context, record monitor.ScanRecord, target monitor.Target) (id int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin commit scan: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	id, err = insertScan(ctx, tx, record)
	if err != nil {
		return 0, err
	}
	if err = saveTarget(ctx, tx, target); err != nil {
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit scan: %w", err)
	}
	return id, nil
}

// GetScan loads one scan record.
func (s *Store) GetScan(ctx context.Context, id int64) (monitor.ScanRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scan_records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.ScanRecord{}, fmt.Errorf("scan %d: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.ScanRecord{}, fmt.Errorf("get scan: %w", err)
	}
	return record, nil
}

// ListScans returns a target's records newest first.
func (s *Store) ListScans(ctx context.Context, targetID int64, limit int) ([]monitor.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+scanColumns+` FROM scan_records
WHERE target_id = $1 ORDER BY scanned_at DESC, id DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()
	var out []monitor.ScanRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

// LatestReport returns the newest successful non-null report for a target.
func (s *Store) LatestReport(ctx context.Context, targetID int64) (report.Report, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
SELECT report FROM scan_records
WHERE target_id = $1 AND status = 'success' AND report IS NOT NULL
ORDER BY scanned_at DESC, id DESC
LIMIT 1`, targetID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	r, err := report.Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	return r, nil
}

func scanRecord(row pgx.Row) (monitor.ScanRecord, error) {
	var (
		record monitor.ScanRecord
		status string
		doc    []byte
		errMsg *string
	)
	if err := row.Scan(
		&record.ID,
		&record.TargetID,
		&record.ScreenshotPath,
		&record.Fingerprint,
		&status,
		&doc,
		&errMsg,
		&record.ScannedAt,
	); err != nil {
		return monitor.ScanRecord{}, err
	}
	record.Status = monitor.ScanStatus(status)
	if errMsg != nil {
		record.Error = *errMsg
	}
	if len(doc) > 0 {
		r, err := report.Decode(doc)
		if err != nil {
			return monitor.ScanRecord{}, fmt.Errorf("scan %d: %w", record.ID, err)
		}
		record.Report = r
	}
	return record, nil
}

const alertColumns = `id, scan_id, status, recipient, subject, error, created_at, sent_at`

// GetAlertByScan returns the alert recorded for a scan.
func (s *Store) GetAlertByScan(ctx context.Context, scanID int64) (monitor.Alert, error) {
	var (
		alert  monitor.Alert
		status string
		errMsg *string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE scan_id = $1`, scanID).Scan(
		&alert.ID,
		&alert.ScanID,
		&status,
		&alert.Recipient,
		&alert.Subject,
		&errMsg,
		&alert.CreatedAt,
		&alert.SentAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Alert{}, fmt.Errorf("alert for scan %d: %w", scanID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	alert.Status = monitor.AlertStatus(status)
	if errMsg != nil {
		alert.Error = *errMsg
	}
	return alert, nil
}

// ClaimAlert inserts a pending alert. The unique scan_id constraint makes a
// second claim fail with monitor.ErrAlertExists.
func (s *Store) ClaimAlert(ctx context.Context, alert monitor.Alert) (monitor.Alert, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO alerts (scan_id, status, recipient, subject)
VALUES ($1, $2, $3, $4)
ON CONFLICT (scan_id) DO NOTHING
RETURNING id, created_at`,
		alert.ScanID,
		string(alert.Status),
		alert.Recipient,
		alert.Subject,
	).Scan(&alert.ID, &alert.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows), isPgCode(err, uniqueViolation):
		return monitor.Alert{}, fmt.Errorf("scan %d: %w", alert.ScanID, monitor.ErrAlertExists)
	case isPgCode(err, foreignKeyViolation):
		return monitor.Alert{}, fmt.Errorf("scan %d: %w", alert.ScanID, monitor.ErrNotFound)
	case err != nil:
		return monitor.Alert{}, fmt.Errorf("claim alert: %w", err)
	}
	return alert, nil
}

// FinishAlert records the delivery outcome.
func (s *Store) FinishAlert(ctx context.Context, alert monitor.Alert) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE alerts SET status = $2, recipient = $3, subject = $4, error = $5, sent_at = $6
WHERE id = $1`,
		alert.ID,
		string(alert.Status),
		alert.Recipient,
		alert.Subject,
		nullableText(alert.Error),
		alert.SentAt,
	)
	if err != nil {
		return fmt.Errorf("finish alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %d: %w", alert.ID, monitor.ErrNotFound)
	}
	return nil
}

func encodeReport(r report.Report) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	doc, err := report.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return doc, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
