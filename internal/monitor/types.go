package monitor

import (
	"fmt"
	"time"

	"github.com/JakeFAU/meerkat/internal/report"
)

// TargetStatus toggles whether a target participates in scheduling.
type TargetStatus string

// Supported target statuses.
const (
	TargetActive TargetStatus = "active"
	TargetPaused TargetStatus = "paused"
)

// Valid reports whether s is a known status.
func (s TargetStatus) Valid() bool {
	return s == TargetActive || s == TargetPaused
}

// ScanStatus captures the outcome of one pipeline execution.
type ScanStatus string

// Supported scan statuses.
const (
	ScanPending ScanStatus = "pending"
	ScanSuccess ScanStatus = "success"
	ScanFailed  ScanStatus = "failed"
)

// AlertStatus captures notification delivery state.
type AlertStatus string

// Supported alert statuses.
const (
	AlertPending AlertStatus = "pending"
	AlertSent    AlertStatus = "sent"
	AlertFailed  AlertStatus = "failed"
)

// DefaultIntervalMinutes is applied when a target is created without an interval.
const DefaultIntervalMinutes = 15

var allowedIntervals = map[int]struct{}{5: {}, 15: {}, 30: {}, 60: {}}

// ValidInterval reports whether minutes is one of the supported polling intervals.
func ValidInterval(minutes int) bool {
	_, ok := allowedIntervals[minutes]
	return ok
}

// Target is a monitored competitor page.
type Target struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	URL             string       `json:"url"`
	IntervalMinutes int          `json:"interval_minutes"`
	Status          TargetStatus `json:"status"`
	LastHash        *string      `json:"last_hash,omitempty"`
	LastScanAt      *time.Time   `json:"last_scan_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Interval returns the polling interval as a duration.
func (t Target) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// Validate checks operator-supplied fields.
func (t Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("target name is required")
	}
	if t.URL == "" {
		return fmt.Errorf("target url is required")
	}
	if !ValidInterval(t.IntervalMinutes) {
		return fmt.Errorf("interval %d not supported (use 5, 15, 30 or 60)", t.IntervalMinutes)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown target status %q", t.Status)
	}
	return nil
}

// ScanRecord is one persisted pipeline outcome. Records are append-only.
type ScanRecord struct {
	ID             int64         `json:"id"`
	TargetID       int64         `json:"target_id"`
	ScreenshotPath string        `json:"screenshot_path"`
	Fingerprint    string        `json:"fingerprint"`
	Status         ScanStatus    `json:"status"`
	Report         report.Report `json:"-"`
	Error          string        `json:"error,omitempty"`
	ScannedAt      time.Time     `json:"scanned_at"`
}

// Alert records a notification attempt for a scan record.
type Alert struct {
	ID        int64       `json:"id"`
	ScanID    int64       `json:"scan_id"`
	Status    AlertStatus `json:"status"`
	Recipient string      `json:"recipient"`
	Subject   string      `json:"subject"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
}
