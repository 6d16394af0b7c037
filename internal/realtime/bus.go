package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher emits events for other sessions of the same post.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers events for one post until the returned stop function
// is called or the context ends. No ordering or exactly-once guarantees.
type Subscriber interface {
	Subscribe(ctx context.Context, postID string) (<-chan Event, func(), error)
}

// Bus is the redis pub/sub implementation of Publisher and Subscriber. One
// channel per post keeps subscribers from filtering a global firehose.
type Bus struct {
	client *redis.Client
}

func NewBus(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewBusWithClient(client), nil
}

func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func channelFor(postID string) string {
	return "comments.events." + postID
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.PostID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, postID string) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, channelFor(postID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", channelFor(postID), err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("realtime: dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			out <- ev
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}
