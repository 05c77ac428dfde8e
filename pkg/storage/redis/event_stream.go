package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"zkelect/pkg/models"
	"zkelect/pkg/storage"
)

const (
	DefaultStreamKey = "zkelect:events"
	// DefaultMaxLen caps the stream; trimming is approximate.
	DefaultMaxLen = 10000
)

// EventStream appends events to a capped Redis stream and publishes each one
// on a pub/sub channel of the same name for live followers.
type EventStream struct {
	client *redis.Client
	key    string
	maxLen int64
}

var _ storage.EventLog = (*EventStream)(nil)

// EventStreamConfig holds Redis connection configuration
type EventStreamConfig struct {
	Addr         string
	Key          string
	MaxLen       int64
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultEventStreamConfig returns defaults sized for a low-volume audit stream.
func DefaultEventStreamConfig(addr string) EventStreamConfig {
	return EventStreamConfig{
		Addr:         addr,
		Key:          DefaultStreamKey,
		MaxLen:       DefaultMaxLen,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewEventStream initializes a new Redis client with default config.
func NewEventStream(addr string) (*EventStream, error) {
	return NewEventStreamWithConfig(DefaultEventStreamConfig(addr))
}

// NewEventStreamWithConfig initializes a new Redis client with custom config.
func NewEventStreamWithConfig(cfg EventStreamConfig) (*EventStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultStreamKey
	}
	return &EventStream{client: client, key: key, maxLen: cfg.MaxLen}, nil
}

func (r *EventStream) Close() error {
	return r.client.Close()
}

// Append adds the event to the stream and publishes it.
func (r *EventStream) Append(ctx context.Context, event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":     payload,
			"kind":        string(event.Kind),
			"participant": event.Participant,
		},
	})
	pipe.Publish(ctx, r.key, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent reads the newest entries of the stream.
func (r *EventStream) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.key, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	events := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decode(msg.Values)
		if err != nil {
			return nil, fmt.Errorf("invalid event %s: %w", msg.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe follows newly appended events until ctx is cancelled.
func (r *EventStream) Subscribe(ctx context.Context) (<-chan models.Event, error) {
	sub := r.client.Subscribe(ctx, r.key)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.key, err)
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decode(values map[string]interface{}) (models.Event, error) {
	var ev models.Event
	payload, ok := values["payload"].(string)
	if !ok {
		return ev, fmt.Errorf("invalid payload format")
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return ev, nil
}
