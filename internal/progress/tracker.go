package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker records state transitions for targets.
type Tracker struct {
	store   Store
	emitter Emitter
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.Mutex
	last map[int64]Status
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithEmitter publishes every transition to e.
func WithEmitter(e Emitter) TrackerOption {
	return func(t *Tracker) { t.emitter = e }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker builds a Tracker over store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
		last:   make(map[int64]Status),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set moves targetID into state. Progress is best effort: store failures are
// logged and never returned.
func (t *Tracker) Set(ctx context.Context, targetID int64, state State, detail string) {
	if t == nil {
		return
	}
	now := t.now().UTC()
	status := NewStatus(targetID, state, detail, now)

	t.mu.Lock()
	prev, hadPrev := t.last[targetID]
	if state.Terminal() {
		delete(t.last, targetID)
	} else {
		t.last[targetID] = status
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Put(ctx, status, t.ttl); err != nil {
			t.logger.Warn("progress store write failed",
				zap.Int64("target_id", targetID),
				zap.String("state", string(state)),
				zap.Error(err),
			)
		}
	}

	if t.emitter == nil {
		return
	}
	evt := Event{TargetID: targetID, TS: now, State: state, Detail: detail}
	if hadPrev && state != StateStarting {
		evt.From = prev.State
		if d := now.Sub(prev.UpdatedAt); d > 0 {
			evt.Dur = d
		}
	}
	t.emitter.Emit(evt)
}

// Get returns the current status for targetID.
func (t *Tracker) Get(ctx context.Context, targetID int64) (Status, error) {
	if t == nil || t.store == nil {
		return Idle(targetID), nil
	}
	return t.store.Get(ctx, targetID)
}
