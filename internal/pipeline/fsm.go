package pipeline

import (
	"context"
	"fmt"

	"github.com/JakeFAU/meerkat/internal/progress"
)

// transitions lists the legal moves of one execution. The progress states
// double as the machine's states.
var transitions = map[progress.State][]progress.State{
	progress.StateIdle:     {progress.StateStarting},
	progress.StateStarting: {progress.StateScout, progress.StateCapture, progress.StateFailed},
	progress.StateScout:    {progress.StateNoChange, progress.StateCapture, progress.StateFailed},
	progress.StateCapture:  {progress.StateGemini, progress.StateFailed},
	progress.StateGemini:   {progress.StateSaving, progress.StateFailed},
	progress.StateSaving:   {progress.StateComplete, progress.StateFailed},
}

func canTransition(from, to progress.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// execution is the state of one Run.
type execution struct {
	targetID int64
	state    progress.State
	trace    []progress.State
	tracker  *progress.Tracker
}

func newExecution(targetID int64, tracker *progress.Tracker) *execution {
	return &execution{
		targetID: targetID,
		state:    progress.StateIdle,
		trace:    []progress.State{progress.StateIdle},
		tracker:  tracker,
	}
}

// to moves the machine and publishes the new state. An illegal move is a
// programming error.
func (e *execution) to(ctx context.Context, next progress.State, detail string) {
	if !canTransition(e.state, next) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", e.state, next))
	}
	e.state = next
	e.trace = append(e.trace, next)
	e.tracker.Set(ctx, e.targetID, next, detail)
}
