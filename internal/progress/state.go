package progress

import (
	"fmt"
	"time"
)

// State is the externally visible pipeline position of a target.
type State string

// Pipeline states, in the order a full scan visits them.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateScout    State = "scout"
	StateNoChange State = "no_change"
	StateCapture  State = "capture"
	// StateGemini is the analysis stage. The token is what dashboards poll
	// for, whichever inference provider is configured.
	StateGemini   State = "gemini"
	StateSaving   State = "saving"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

type stateInfo struct {
	step    int
	message string
}

var states = map[State]stateInfo{
	StateIdle:     {0, "Ready"},
	StateStarting: {1, "Starting scan..."},
	StateScout:    {2, "Detecting changes..."},
	StateNoChange: {2, "No changes found"},
	StateCapture:  {3, "Capturing screenshot..."},
	StateGemini:   {4, "Running AI analysis..."},
	StateSaving:   {5, "Saving results..."},
	StateComplete: {6, "Scan complete"},
	StateFailed:   {-1, "Scan failed"},
}

// AllStates lists every state in step order.
var AllStates = []State{
	StateIdle, StateStarting, StateScout, StateNoChange, StateCapture,
	StateGemini, StateSaving, StateComplete, StateFailed,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := states[s]
	return ok
}

// Step is the fixed ordinal used for UI sequencing. Failed is -1.
func (s State) Step() int { return states[s].step }

// Message is the fixed human-readable description of s.
func (s State) Message() string { return states[s].message }

// Terminal reports whether a scan in state s has finished.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateNoChange, StateComplete, StateFailed:
		return true
	default:
		return false
	}
}

// ParseState validates a raw state token.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown progress state %q", raw)
	}
	return s, nil
}

// Status is the polled progress of one target.
type Status struct {
	TargetID  int64     `json:"target_id"`
	State     State     `json:"state"`
	Step      int       `json:"step"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewStatus builds the Status for state s.
func NewStatus(targetID int64, s State, detail string, at time.Time) Status {
	return Status{
		TargetID:  targetID,
		State:     s,
		Step:      s.Step(),
		Message:   s.Message(),
		Detail:    detail,
		UpdatedAt: at,
	}
}

// Idle is the status reported when nothing is stored for a target.
func Idle(targetID int64) Status {
	return NewStatus(targetID, StateIdle, "", time.Time{})
}
