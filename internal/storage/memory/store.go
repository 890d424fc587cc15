package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

// Store implements monitor.Store in memory. Every accessor returns copies.
type Store struct {
	mu      sync.RWMutex
	targets map[int64]monitor.Target
	scans   map[int64]monitor.ScanRecord
	alerts  map[int64]monitor.Alert // keyed by scan id
	seq     struct{ target, scan, alert int64 }
	now     func() time.Time
}

var _ monitor.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		targets: make(map[int64]monitor.Target),
		scans:   make(map[int64]monitor.ScanRecord),
		alerts:  make(map[int64]monitor.Alert),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateTarget assigns an id and stores the target.
func (s *Store) CreateTarget(_ context.Context, target monitor.Target) (monitor.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.target++
	target.ID = s.seq.target
	if target.CreatedAt.IsZero() {
		target.CreatedAt = s.now()
	}
	s.targets[target.ID] = cloneTarget(target)
	return cloneTarget(target), nil
}

// GetTarget loads a target or returns monitor.ErrNotFound.
func (s *Store) GetTarget(_ context.Context, id int64) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return monitor.Target{}, fmt.Errorf("target %d: %w", id, monitor.ErrNotFound)
	}
	return cloneTarget(target), nil
}

// SaveTarget overwrites an existing target.
func (s *Store) SaveTarget(_ context.Context, target monitor.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[target.ID]; !ok {
		return fmt.Errorf("target %d: %w", target.ID, monitor.ErrNotFound)
	}
	s.targets[target.ID] = cloneTarget(target)
	return nil
}

// ListTargets returns all targets ordered by id.
func (s *Store) ListTargets(_ context.Context) ([]monitor.Target, error) {
	return s.filterTargets(func(monitor.Target) bool { return true }), nil
}

// ListActiveTargets returns targets with status active ordered by id.
func (s *Store) ListActiveTargets(_ context.Context) ([]monitor.Target, error) {
	return s.filterTargets(func(t monitor.Target) bool { return t.Status == monitor.TargetActive }), nil
}

func (s *Store) filterTargets(keep func(monitor.Target) bool) []monitor.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if keep(t) {
			out = append(out, cloneTarget(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateScan appends a scan record.
func (s *Store) CreateScan(_ context.Context, record monitor.ScanRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[record.TargetID]; !ok {
		return 0, fmt.Errorf("target %d: %w", record.TargetID, monitor.ErrNotFound)
	}
	return s.insertScanLocked(record), nil
}

func (s *Store) insertScanLocked(record monitor.ScanRecord) int64 {
	s.seq.scan++
	record.ID = s.seq.scan
	if record.ScannedAt.IsZero() {
		record.ScannedAt = s.now()
	}
	s.scans[record.ID] = record
	return record.ID
}

// CommitScan inserts the record and saves the target under one lock.
func (s *Store) CommitScan(_ context.Context, record monitor.ScanRecord, target monitor.Target) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[target.ID]; !ok {
		return 0, fmt.Errorf("target %d: %w", target.ID, monitor.ErrNotFound)
	}
	id := s.insertScanLocked(record)
	s.targets[target.ID] = cloneTarget(target)
	return id, nil
}

// GetScan loads a scan record.
func (s *Store) GetScan(_ context.Context, id int64) (monitor.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.scans[id]
	if !ok {
		return monitor.ScanRecord{}, fmt.Errorf("scan %d: %w", id, monitor.ErrNotFound)
	}
	return record, nil
}

// ListScans returns the newest records for a target first.
func (s *Store) ListScans(_ context.Context, targetID int64, limit int) ([]monitor.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.ScanRecord, 0)
	for _, rec := range s.scans {
		if rec.TargetID == targetID {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestReport returns the newest successful report for a target, or nil.
func (s *Store) LatestReport(ctx context.Context, targetID int64) (report.Report, error) {
	scans, err := s.ListScans(ctx, targetID, 0)
	if err != nil {
		return nil, err
	}
	for _, rec := range scans {
		if rec.Status == monitor.ScanSuccess && rec.Report != nil {
			return rec.Report, nil
		}
	}
	return nil, nil
}

// GetAlertByScan returns the alert recorded for a scan.
func (s *Store) GetAlertByScan(_ context.Context, scanID int64) (monitor.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[scanID]
	if !ok {
		return monitor.Alert{}, fmt.Errorf("alert for scan %d: %w", scanID, monitor.ErrNotFound)
	}
	return cloneAlert(alert), nil
}

// ClaimAlert inserts a pending alert unless one exists for the scan.
func (s *Store) ClaimAlert(_ context.Context, alert monitor.Alert) (monitor.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ScanID]; exists {
		return monitor.Alert{}, fmt.Errorf("scan %d: %w", alert.ScanID, monitor.ErrAlertExists)
	}
	if _, ok := s.scans[alert.ScanID]; !ok {
		return monitor.Alert{}, fmt.Errorf("scan %d: %w", alert.ScanID, monitor.ErrNotFound)
	}
	s.seq.alert++
	alert.ID = s.seq.alert
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	s.alerts[alert.ScanID] = cloneAlert(alert)
	return cloneAlert(alert), nil
}

// FinishAlert records the delivery outcome of a claimed alert.
func (s *Store) FinishAlert(_ context.Context, alert monitor.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.alerts[alert.ScanID]
	if !ok || existing.ID != alert.ID {
		return fmt.Errorf("alert %d: %w", alert.ID, monitor.ErrNotFound)
	}
	s.alerts[alert.ScanID] = cloneAlert(alert)
	return nil
}

// Close implements monitor.Store.
func (s *Store) Close() error {
	return nil
}

func sortNewestFirst(records []monitor.ScanRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].ScannedAt.Equal(records[j].ScannedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].ScannedAt.After(records[j].ScannedAt)
	})
}

func cloneTarget(t monitor.Target) monitor.Target {
	if t.LastHash != nil {
		h := *t.LastHash
		t.LastHash = &h
	}
	if t.LastScanAt != nil {
		at := *t.LastScanAt
		t.LastScanAt = &at
	}
	return t
}

func cloneAlert(a monitor.Alert) monitor.Alert {
	if a.SentAt != nil {
		at := *a.SentAt
		a.SentAt = &at
	}
	return a
}
