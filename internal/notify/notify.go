// Package notify delivers rendered change alerts over SMTP, webhooks,
// Pub/Sub, or the log.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by notifiers missing a destination.
var ErrNotConfigured = errors.New("notifier not configured")

// Message is one rendered alert.
type Message struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	ScanID    int64     `json:"scan_id"`
	TargetID  int64     `json:"target_id"`
	Kind      string    `json:"kind"`
	MaxImpact int       `json:"max_impact"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier sends a message. Implementations must honor ctx.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

// Send implements Notifier.
func (f Func) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
