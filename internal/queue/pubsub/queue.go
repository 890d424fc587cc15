// Package pubsub carries scan requests over Google Cloud Pub/Sub so that
// the scheduler and API can run apart from the workers.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/queue"
)

type publisher interface {
	publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

type receiver interface {
	receive(ctx context.Context, fn func(context.Context, *pubsub.Message)) error
}

type topicPublisher struct{ topic *pubsub.Topic }

func (t topicPublisher) publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.topic.Publish(ctx, msg).Get(ctx)
}

func (t topicPublisher) stop() { t.topic.Stop() }

type subscriptionReceiver struct{ sub *pubsub.Subscription }

func (s subscriptionReceiver) receive(ctx context.Context, fn func(context.Context, *pubsub.Message)) error {
	return s.sub.Receive(ctx, fn)
}

// Queue publishes items to a topic and hands messages from a subscription
// to Dequeue callers. A message is acked once a caller has taken it, and
// nacked when the receive context ends first.
type Queue struct {
	pub    publisher
	recv   receiver
	items  chan queue.Item
	logger *zap.Logger

	startOnce sync.Once
	done      chan struct{}
	err       error
}

var _ queue.Queue = (*Queue)(nil)

// New wraps a topic for publishing and an optional subscription for
// consuming. Either may be nil for a one-way queue.
func New(topic *pubsub.Topic, sub *pubsub.Subscription, logger *zap.Logger) (*Queue, error) {
	if topic == nil && sub == nil {
		return nil, errors.New("topic or subscription is required")
	}
	q := newQueue(nil, nil, logger)
	if topic != nil {
		q.pub = topicPublisher{topic: topic}
	}
	if sub != nil {
		q.recv = subscriptionReceiver{sub: sub}
	}
	return q, nil
}

func newQueue(pub publisher, recv receiver, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pub:    pub,
		recv:   recv,
		items:  make(chan queue.Item),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Enqueue publishes item and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	if q.pub == nil {
		return errors.New("pubsub queue has no topic")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"target_id": strconv.FormatInt(item.TargetID, 10)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})
	if _, err := q.pub.publish(ctx, msg); err != nil {
		return fmt.Errorf("publish item %s: %w", item.ID, err)
	}
	return nil
}

// Start runs the subscription receiver until ctx ends. It is safe to call
// more than once; only the first call starts a receiver.
func (q *Queue) Start(ctx context.Context) {
	if q.recv == nil {
		return
	}
	q.startOnce.Do(func() {
		go func() {
			defer close(q.done)
			q.err = q.recv.receive(ctx, q.handle)
			if q.err != nil && ctx.Err() == nil {
				q.logger.Error("pubsub receive stopped", zap.Error(q.err))
			}
		}()
	})
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	var item queue.Item
	if err := json.Unmarshal(msg.Data, &item); err != nil {
		q.logger.Warn("dropping malformed scan request", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	select {
	case q.items <- item:
		msg.Ack()
	case <-ctx.Done():
		msg.Nack()
	}
}

// Dequeue blocks for the next received item.
func (q *Queue) Dequeue(ctx context.Context) (queue.Item, error) {
	if q.recv == nil {
		return queue.Item{}, fmt.Errorf("%w: pubsub queue has no subscription", queue.ErrClosed)
	}
	select {
	case <-ctx.Done():
		return queue.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		if q.err != nil {
			return queue.Item{}, fmt.Errorf("%w: %w", queue.ErrClosed, q.err)
		}
		return queue.Item{}, queue.ErrClosed
	case item := <-q.items:
		return item, nil
	}
}

// Close flushes pending publishes. The receiver stops with its Start context.
func (q *Queue) Close() {
	if s, ok := q.pub.(interface{ stop() }); ok {
		s.stop()
	}
}

type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string { return c.attrs[key] }

func (c *carrier) Set(key, value string) { c.attrs[key] = value }

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
