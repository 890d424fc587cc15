package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// publisher is the slice of *pubsub.Topic the notifier needs.
type publisher interface {
	publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

type topicPublisher struct {
	topic *pubsub.Topic
}

func (t topicPublisher) publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.topic.Publish(ctx, msg).Get(ctx)
}

// PubSub publishes alerts as JSON messages for downstream consumers.
type PubSub struct {
	pub   publisher
	close func()
}

// NewPubSub wraps a topic handle. Close stops the topic's batching goroutines.
func NewPubSub(topic *pubsub.Topic) (*PubSub, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic: %w", ErrNotConfigured)
	}
	return &PubSub{pub: topicPublisher{topic: topic}, close: topic.Stop}, nil
}

// Send implements Notifier. The trace context travels in message attributes.
func (p *PubSub) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	out := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"scan_id":   strconv.FormatInt(msg.ScanID, 10),
			"target_id": strconv.FormatInt(msg.TargetID, 10),
			"kind":      msg.Kind,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: out.Attributes})
	if _, err := p.pub.publish(ctx, out); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSub) Close() {
	if p.close != nil {
		p.close()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
