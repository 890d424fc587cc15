package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/meerkat/internal/progress"
)

// PrometheusSink exports scan progress as Prometheus metrics.
type PrometheusSink struct {
	transitions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	scansRunning  prometheus.Gauge
	scansFinished *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meerkat_progress_transitions_total",
			Help: "Pipeline state transitions partitioned by the state entered.",
		}, []string{"state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meerkat_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"stage"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meerkat_scans_running",
			Help: "Scans currently between starting and a terminal state.",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meerkat_scans_finished_total",
			Help: "Finished scans partitioned by terminal state.",
		}, []string{"result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.stageDuration,
		s.scansRunning,
		s.scansFinished,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.transitions.WithLabelValues(string(evt.State)).Inc()
	if evt.From != "" && evt.Dur > 0 {
		s.stageDuration.WithLabelValues(string(evt.From)).Observe(evt.Dur.Seconds())
	}
	switch {
	case evt.State == progress.StateStarting:
		if s.tracker.start(evt.TargetID) {
			s.scansRunning.Inc()
		}
	case evt.State.Terminal():
		s.scansFinished.WithLabelValues(string(evt.State)).Inc()
		if s.tracker.finish(evt.TargetID) {
			s.scansRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[int64]struct{})}
}

func (t *runTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
