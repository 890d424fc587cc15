// Package queue defines scan requests and the queue abstraction workers
// consume them from.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once a queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Item asks for one pipeline execution.
type Item struct {
	ID        string    `json:"id"`
	TargetID  int64     `json:"target_id"`
	Force     bool      `json:"force"`
	Attempt   int       `json:"attempt"`
	Submitted time.Time `json:"submitted"`
}

// Queue carries items from triggers (scheduler, API) to workers.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
