// Package dispatcher manages worker fan-out over the scan queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/queue"
	"github.com/JakeFAU/meerkat/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers and is the single
// entry point triggers use to request scans.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	ids     monitor.IDGenerator
	clock   monitor.Clock
}

// New creates a Dispatcher.
func New(q queue.Queue, workers []*worker.Worker, ids monitor.IDGenerator, clock monitor.Clock) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
		ids:     ids,
		clock:   clock,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit builds a queue item for targetID and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, targetID int64, force bool) (queue.Item, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return queue.Item{}, fmt.Errorf("generate item id: %w", err)
	}
	item := queue.Item{
		ID:        id,
		TargetID:  targetID,
		Force:     force,
		Attempt:   1,
		Submitted: d.clock.Now().UTC(),
	}
	if err := d.Enqueue(ctx, item); err != nil {
		return queue.Item{}, err
	}
	return item, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.Item) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
