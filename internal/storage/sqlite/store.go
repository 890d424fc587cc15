// Package sqlite is a single-file monitor.Store for running meerkat without a
// database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS targets (
  id               INTEGER PRIMARY KEY,
  name             TEXT    NOT NULL,
  url              TEXT    NOT NULL,
  interval_minutes INTEGER NOT NULL DEFAULT 15,
  status           TEXT    NOT NULL DEFAULT 'active' CHECK (status IN ('active','paused')),
  last_hash        TEXT,
  last_scan_at     INTEGER,
  created_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS scan_records (
  id              INTEGER PRIMARY KEY,
  target_id       INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
  screenshot_path TEXT    NOT NULL DEFAULT '',
  fingerprint     TEXT    NOT NULL,
  status          TEXT    NOT NULL CHECK (status IN ('pending','success','failed')),
  report          TEXT,
  error           TEXT,
  scanned_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scans_target ON scan_records(target_id, scanned_at);
CREATE TABLE IF NOT EXISTS alerts (
  id         INTEGER PRIMARY KEY,
  scan_id    INTEGER NOT NULL UNIQUE REFERENCES scan_records(id) ON DELETE CASCADE,
  status     TEXT    NOT NULL CHECK (status IN ('pending','sent','failed')),
  recipient  TEXT    NOT NULL DEFAULT '',
  subject    TEXT    NOT NULL DEFAULT '',
  error      TEXT,
  created_at INTEGER NOT NULL,
  sent_at    INTEGER
);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Store implements monitor.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ monitor.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type runner interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

var targetColumns = []string{"id", "name", "url", "interval_minutes", "status", "last_hash", "last_scan_at", "created_at"}

// CreateTarget inserts a target.
func (s *Store) CreateTarget(ctx context.Context, target monitor.Target) (monitor.Target, error) {
	if target.CreatedAt.IsZero() {
		target.CreatedAt = s.now()
	}
	query, args, err := psql.Insert("targets").
		Columns("name", "url", "interval_minutes", "status", "last_hash", "last_scan_at", "created_at").
		Values(target.Name, target.URL, target.IntervalMinutes, string(target.Status),
			nullString(target.LastHash), nullTime(target.LastScanAt), target.CreatedAt.UnixMicro()).
		ToSql()
	if err != nil {
		return monitor.Target{}, fmt.Errorf("build insert target: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("insert target: %w", err)
	}
	if target.ID, err = res.LastInsertId(); err != nil {
		return monitor.Target{}, fmt.Errorf("target id: %w", err)
	}
	return target, nil
}

// GetTarget loads one target.
func (s *Store) GetTarget(ctx context.Context, id int64) (monitor.Target, error) {
	query, args, err := psql.Select(targetColumns...).From("targets").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return monitor.Target{}, fmt.Errorf("build get target: %w", err)
	}
	target, err := scanTarget(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %d: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

// SaveTarget overwrites a target's mutable columns.
func (s *Store) SaveTarget(ctx context.Context, target monitor.Target) error {
	return saveTarget(ctx, s.db, target)
}

func saveTarget(ctx context.Context, db runner, target monitor.Target) error {
	query, args, err := psql.Update("targets").SetMap(map[string]any{
		"name":             target.Name,
		"url":              target.URL,
		"interval_minutes": target.IntervalMinutes,
		"status":           string(target.Status),
		"last_hash":        nullString(target.LastHash),
		"last_scan_at":     nullTime(target.LastScanAt),
	}).Where(sq.Eq{"id": target.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build update target: %w", err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("target %d: %w", target.ID, monitor.ErrNotFound)
	}
	return nil
}

// ListTargets returns every target ordered by id.
func (s *Store) ListTargets(ctx context.Context) ([]monitor.Target, error) {
	return s.listTargets(ctx, psql.Select(targetColumns...).From("targets").OrderBy("id"))
}

// ListActiveTargets returns active targets ordered by id.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	return s.listTargets(ctx, psql.Select(targetColumns...).From("targets").
		Where(sq.Eq{"status": string(monitor.TargetActive)}).OrderBy("id"))
}

func (s *Store) listTargets(ctx context.Context, b sq.SelectBuilder) ([]monitor.Target, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list targets: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (monitor.Target, error) {
	var (
		target    monitor.Target
		status    string
		lastHash  sql.NullString
		lastScan  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&target.ID, &target.Name, &target.URL, &target.IntervalMinutes,
		&status, &lastHash, &lastScan, &createdAt); err != nil {
		return monitor.Target{}, err
	}
	target.Status = monitor.TargetStatus(status)
	if lastHash.Valid {
		target.LastHash = &lastHash.String
	}
	target.LastScanAt = fromNullMicros(lastScan)
	target.CreatedAt = time.UnixMicro(createdAt).UTC()
	return target, nil
}

var scanColumns = []string{"id", "target_id", "screenshot_path", "fingerprint", "status", "report", "error", "scanned_at"}

// CreateScan inserts a scan record.
func (s *Store) CreateScan(ctx context.Context, record monitor.ScanRecord) (int64, error) {
	return s.insertScan(ctx, s.db, record)
}

func (s *Store) insertScan(ctx context.Context, db runner, record monitor.ScanRecord) (int64, error) {
	var doc sql.NullString
	if record.Report != nil {
		raw, err := report.Encode(record.Report)
		if err != nil {
			return 0, fmt.Errorf("encode report: %w", err)
		}
		doc = sql.NullString{String: string(raw), Valid: true}
	}
	if record.ScannedAt.IsZero() {
		record.ScannedAt = s.now()
	}
	query, args, err := psql.Insert("scan_records").
		Columns("target_id", "screenshot_path", "fingerprint", "status", "report", "error", "scanned_at").
		Values(record.TargetID, record.ScreenshotPath, record.Fingerprint, string(record.Status),
			doc, sql.NullString{String: record.Error, Valid: record.Error != ""}, record.ScannedAt.UnixMicro()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert scan: %w", err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert scan record: %w", err)
	}
	return res.LastInsertId()
}

// CommitScan inserts the record and updates the target atomically.
func (s *Store) CommitScan(ctx context.Context, record monitor.ScanRecord, target monitor.Target) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin commit scan: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if id, err = s.insertScan(ctx, tx, record); err != nil {
		return 0, err
	}
	if err = saveTarget(ctx, tx, target); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit scan: %w", err)
	}
	return id, nil
}

// GetScan loads one scan record.
func (s *Store) GetScan(ctx context.Context, id int64) (monitor.ScanRecord, error) {
	query, args, err := psql.Select(scanColumns...).From("scan_records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return monitor.ScanRecord{}, fmt.Errorf("build get scan: %w", err)
	}
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
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
	query, args, err := psql.Select(scanColumns...).From("scan_records").
		Where(sq.Eq{"target_id": targetID}).
		OrderBy("scanned_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list scans: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return out, rows.Err()
}

// LatestReport returns the newest successful report for a target, or nil.
func (s *Store) LatestReport(ctx context.Context, targetID int64) (report.Report, error) {
	query, args, err := psql.Select("report").From("scan_records").
		Where(sq.Eq{"target_id": targetID, "status": string(monitor.ScanSuccess)}).
		Where(sq.NotEq{"report": nil}).
		OrderBy("scanned_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build latest report: %w", err)
	}
	var doc string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	r, err := report.Decode([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	return r, nil
}

func scanRecord(row scanner) (monitor.ScanRecord, error) {
	var (
		record    monitor.ScanRecord
		status    string
		doc       sql.NullString
		errMsg    sql.NullString
		scannedAt int64
	)
	if err := row.Scan(&record.ID, &record.TargetID, &record.ScreenshotPath, &record.Fingerprint,
		&status, &doc, &errMsg, &scannedAt); err != nil {
		return monitor.ScanRecord{}, err
	}
	record.Status = monitor.ScanStatus(status)
	record.Error = errMsg.String
	record.ScannedAt = time.UnixMicro(scannedAt).UTC()
	if doc.Valid && doc.String != "" {
		r, err := report.Decode([]byte(doc.String))
		if err != nil {
			return monitor.ScanRecord{}, fmt.Errorf("scan %d: %w", record.ID, err)
		}
		record.Report = r
	}
	return record, nil
}

var alertColumns = []string{"id", "scan_id", "status", "recipient", "subject", "error", "created_at", "sent_at"}

// GetAlertByScan returns the alert for a scan.
func (s *Store) GetAlertByScan(ctx context.Context, scanID int64) (monitor.Alert, error) {
	query, args, err := psql.Select(alertColumns...).From("alerts").Where(sq.Eq{"scan_id": scanID}).ToSql()
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("build get alert: %w", err)
	}
	var (
		alert     monitor.Alert
		status    string
		errMsg    sql.NullString
		createdAt int64
		sentAt    sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&alert.ID, &alert.ScanID, &status,
		&alert.Recipient, &alert.Subject, &errMsg, &createdAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Alert{}, fmt.Errorf("alert for scan %d: %w", scanID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	alert.Status = monitor.AlertStatus(status)
	alert.Error = errMsg.String
	alert.CreatedAt = time.UnixMicro(createdAt).UTC()
	alert.SentAt = fromNullMicros(sentAt)
	return alert, nil
}

// ClaimAlert inserts a pending alert unless one already exists for the scan.
func (s *Store) ClaimAlert(ctx context.Context, alert monitor.Alert) (claimed monitor.Alert, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("begin claim alert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM scan_records WHERE id = ?", alert.ScanID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Alert{}, fmt.Errorf("scan %d: %w", alert.ScanID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("claim alert: %w", err)
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	query, args, err := psql.Insert("alerts").Options("OR IGNORE").
		Columns("scan_id", "status", "recipient", "subject", "created_at").
		Values(alert.ScanID, string(alert.Status), alert.Recipient, alert.Subject, alert.CreatedAt.UnixMicro()).
		ToSql()
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("build claim alert: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("claim alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("claim alert: %w", err)
	}
	if n == 0 {
		err = fmt.Errorf("scan %d: %w", alert.ScanID, monitor.ErrAlertExists)
		return monitor.Alert{}, err
	}
	if alert.ID, err = res.LastInsertId(); err != nil {
		return monitor.Alert{}, fmt.Errorf("alert id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return monitor.Alert{}, fmt.Errorf("commit claim alert: %w", err)
	}
	return alert, nil
}

// FinishAlert records the delivery outcome.
func (s *Store) FinishAlert(ctx context.Context, alert monitor.Alert) error {
	query, args, err := psql.Update("alerts").SetMap(map[string]any{
		"status":    string(alert.Status),
		"recipient": alert.Recipient,
		"subject":   alert.Subject,
		"error":     sql.NullString{String: alert.Error, Valid: alert.Error != ""},
		"sent_at":   nullTime(alert.SentAt),
	}).Where(sq.Eq{"id": alert.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build finish alert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("alert %d: %w", alert.ID, monitor.ErrNotFound)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
