package progress

import (
	"errors"
	"fmt"
	"time"
)

// Event records one state transition for a target.
type Event struct {
	// TargetID identifies the monitored page.
	TargetID int64
	// TS is the UTC time of the transition.
	TS time.Time
	// State is the state being entered.
	State State
	// From is the state being left; empty for the first transition of a run.
	From State
	// Dur is how long the target spent in From.
	Dur time.Duration
	// Detail carries low-volume context such as an error message.
	Detail string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TargetID <= 0 {
		return errors.New("target id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.State.Valid() {
		return fmt.Errorf("unknown state %q", e.State)
	}
	if e.From != "" && !e.From.Valid() {
		return fmt.Errorf("unknown previous state %q", e.From)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
