package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes over Redis pub/sub.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus wraps an existing client. Close does not close the client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (r *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so
// messages published after Subscribe returns are delivered.
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: redis subscribe %s: %w", topic, err)
	}

	out := make(chan Message, 64)
	in := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisBus) Close() error { return nil }
