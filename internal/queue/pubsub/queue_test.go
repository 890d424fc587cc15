package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/queue"
)

// broker loops published messages back to the receiver.
type broker struct {
	msgs       chan *pubsub.Message
	publishErr error
	receiveErr error
}

func newBroker() *broker {
	return &broker{msgs: make(chan *pubsub.Message, 8)}
}

func (b *broker) publish(_ context.Context, msg *pubsub.Message) (string, error) {
	if b.publishErr != nil {
		return "", b.publishErr
	}
	b.msgs <- msg
	return "id", nil
}

func (b *broker) receive(ctx context.Context, fn func(context.Context, *pubsub.Message)) error {
	if b.receiveErr != nil {
		return b.receiveErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.msgs:
			fn(ctx, msg)
		}
	}
}

func TestQueueRoundTrip(t *testing.T) {
	t.Parallel()
	b := newBroker()
	q := newQueue(b, b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	want := queue.Item{ID: "req-1", TargetID: 9, Force: true, Submitted: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestQueueDropsMalformedMessages(t *testing.T) {
	t.Parallel()
	b := newBroker()
	q := newQueue(b, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	b.msgs <- &pubsub.Message{ID: "bad", Data: []byte("{not json")}
	require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "good"}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "good", got.ID)
}

func TestQueueSurfacesReceiveFailure(t *testing.T) {
	t.Parallel()
	b := newBroker()
	b.receiveErr = errors.New("permission denied")
	q := newQueue(b, b, nil)
	q.Start(context.Background())

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
	require.ErrorContains(t, err, "permission denied")
}

func TestQueuePublishFailure(t *testing.T) {
	t.Parallel()
	b := newBroker()
	b.publishErr = errors.New("unavailable")
	q := newQueue(b, nil, nil)
	require.ErrorContains(t, q.Enqueue(context.Background(), queue.Item{ID: "x"}), "unavailable")

	_, err := q.Dequeue(context.Background())
	require.Error(t, err)
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil, nil)
	require.Error(t, err)
}

func TestPublishOnlyQueueReportsClosed(t *testing.T) {
	t.Parallel()

	q := newQueue(newBroker(), nil, nil)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
	q.Close()
}
