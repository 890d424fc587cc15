package pipeline

import "errors"

// Execution failures. Target lookups surface monitor.ErrNotFound unchanged.
var (
	// ErrScoutFailed means the static fetch failed. No record is written.
	ErrScoutFailed = errors.New("scout failed")
	// ErrCaptureFailed means the screenshot failed. A failed record is written.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrAnalysisFailed means the model call or its reply failed. A success
	// record without a report is written so the screenshot stays queryable.
	ErrAnalysisFailed = errors.New("analysis failed")
)
