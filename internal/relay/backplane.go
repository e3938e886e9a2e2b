package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RoomEvent is a frame published by one relay instance for the members of a
// room connected to the others.
type RoomEvent struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// Backplane carries room frames between relay instances.
type Backplane interface {
	Publish(ctx context.Context, event RoomEvent) error
	Subscribe(ctx context.Context) (*Subscription, error)
	Ping(ctx context.Context) error
}

// Subscription is an active backplane subscription.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan *RoomEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of room events. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan *RoomEvent {
	return s.events
}

// Errors returns decoding failures. The subscription continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// RoomEventsChannel returns the pub/sub channel for namespace.
func RoomEventsChannel(namespace string) string {
	return fmt.Sprintf("kinopio:%s:room_events", namespace)
}

// RedisBackplane fans room frames out over Redis pub/sub.
type RedisBackplane struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisBackplane returns a backplane scoped to namespace.
func NewRedisBackplane(opts *redis.Options, namespace string) (*RedisBackplane, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisBackplane{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Close closes the Redis connection.
func (b *RedisBackplane) Close() error {
	return b.rdb.Close()
}

// Ping verifies Redis connectivity.
func (b *RedisBackplane) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish sends event to every subscribed instance.
func (b *RedisBackplane) Publish(ctx context.Context, event RoomEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}
	if err := b.rdb.Publish(ctx, RoomEventsChannel(b.namespace), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish room event: %w", err)
	}
	return nil
}

// Subscribe starts receiving room events. Context cancellation also stops
// the subscription. Events are buffered; a slow reader loses events, as
// Redis pub/sub delivers at most once.
func (b *RedisBackplane) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, RoomEventsChannel(b.namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	eventsChan := make(chan *RoomEvent, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal room event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
