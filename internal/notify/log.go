package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log writes alerts to a logger instead of delivering them.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Send implements Notifier.
func (l *Log) Send(_ context.Context, msg Message) error {
	l.logger.Info("alert",
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.Int64("scan_id", msg.ScanID),
		zap.Int64("target_id", msg.TargetID),
		zap.String("kind", msg.Kind),
		zap.Int("max_impact", msg.MaxImpact),
	)
	return nil
}
