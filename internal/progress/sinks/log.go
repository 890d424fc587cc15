package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/progress"
)

// LogSink writes each transition as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Int64("target_id", evt.TargetID),
			zap.String("state", string(evt.State)),
			zap.Int("step", evt.State.Step()),
		}
		if evt.From != "" {
			fields = append(fields, zap.String("from", string(evt.From)), zap.Duration("dur", evt.Dur))
		}
		if evt.Detail != "" {
			fields = append(fields, zap.String("detail", evt.Detail))
		}
		if evt.State == progress.StateFailed {
			s.logger.Warn("scan progress", fields...)
			continue
		}
		s.logger.Info("scan progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
