package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

const (
	defaultScanLimit = 20
	maxScanLimit     = 200
	progressTimeout  = 3 * time.Second
)

// ProgressHandler exposes read-only progress and scan history endpoints.
type ProgressHandler struct {
	scans    monitor.ScanStore
	progress ProgressReader
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProgressHandler wires the stores and logger.
func NewProgressHandler(scans monitor.ScanStore, progress ProgressReader, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		scans:    scans,
		progress: progress,
		timeout:  progressTimeout,
		logger:   logger,
	}
}

// GetProgress handles GET /v1/targets/{target_id}/progress. A target with no
// live entry reports idle.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	targetID, err := parseID(r, "target_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, err := h.progress.Get(ctx, targetID)
	if err != nil {
		h.logger.Error("get progress failed", zap.Int64("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, progressDTO{
		TargetID: targetID,
		State:    string(status.State),
		Step:     status.Step,
		Message:  status.Message,
		Detail:   status.Detail,
	})
}

// ListScans handles GET /v1/targets/{target_id}/scans?limit=. Newest first.
func (h *ProgressHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	if h.scans == nil {
		writeError(w, http.StatusServiceUnavailable, "scan store unavailable")
		return
	}
	targetID, err := parseID(r, "target_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultScanLimit, maxScanLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.scans.ListScans(ctx, targetID, limit)
	if err != nil {
		h.logger.Error("list scans failed", zap.Int64("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	out := make([]scanDTO, 0, len(records))
	for _, rec := range records {
		dto, err := toScanDTO(rec)
		if err != nil {
			h.logger.Error("encode report failed", zap.Int64("scan_id", rec.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to encode scan")
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": out})
}

// GetScan handles GET /v1/scans/{scan_id}.
func (h *ProgressHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	if h.scans == nil {
		writeError(w, http.StatusServiceUnavailable, "scan store unavailable")
		return
	}
	scanID, err := parseID(r, "scan_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.scans.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		h.logger.Error("get scan failed", zap.Int64("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	dto, err := toScanDTO(rec)
	if err != nil {
		h.logger.Error("encode report failed", zap.Int64("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode scan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": dto})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func toScanDTO(rec monitor.ScanRecord) (scanDTO, error) {
	dto := scanDTO{
		ID:             rec.ID,
		TargetID:       rec.TargetID,
		ScreenshotPath: rec.ScreenshotPath,
		Fingerprint:    rec.Fingerprint,
		Status:         string(rec.Status),
		Error:          rec.Error,
		ScannedAt:      rec.ScannedAt,
	}
	if rec.Report != nil {
		raw, err := report.Encode(rec.Report)
		if err != nil {
			return scanDTO{}, err
		}
		dto.ReportKind = string(rec.Report.Kind())
		dto.Report = raw
		dto.Notable = report.Notable(rec.Report)
	}
	return dto, nil
}

type progressDTO struct {
	TargetID int64  `json:"target_id"`
	State    string `json:"state"`
	Step     int    `json:"step"`
	Message  string `json:"message"`
	Detail   string `json:"detail"`
}

type scanDTO struct {
	ID             int64           `json:"id"`
	TargetID       int64           `json:"target_id"`
	ScreenshotPath string          `json:"screenshot_path"`
	Fingerprint    string          `json:"fingerprint"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	ScannedAt      time.Time       `json:"scanned_at"`
	ReportKind     string          `json:"report_kind,omitempty"`
	Notable        bool            `json:"notable"`
	Report         json.RawMessage `json:"report,omitempty"`
}
