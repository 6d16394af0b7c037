// Package treecache is the keyed, TTL-bounded cache in front of the initial
// comment tree fetch. It stores one forest snapshot per post and is
// invalidated whenever a mutation for that post is confirmed.
package treecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"resonate/api/internal/comment"
)

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a redis-backed forest cache. The TTL is a staleness bound, not
// a correctness property; the realtime bus keeps mounted views fresh.
func New(redisURL string, ttl time.Duration) (*Cache, error) {
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

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing redis client, sharing the connection with
// the event bus.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, prefix: "comments:", ttl: ttl}
}

func (c *Cache) key(postID string) string {
	return c.prefix + postID
}

// Get returns the cached forest for a post. The second return value reports
// a hit; a miss (absent, expired, or corrupt snapshot) requires a fresh
// fetch from the store.
func (c *Cache) Get(ctx context.Context, postID string) (comment.Forest, bool, error) {
	payload, err := c.client.Get(ctx, c.key(postID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached forest: %w", err)
	}

	var forest comment.Forest
	err = json.Unmarshal([]byte(payload), &forest)
	if err == nil {
		err = comment.Validate(forest)
	}
	if err != nil {
		// A corrupt snapshot is a miss; drop it so it cannot be served again.
		log.Printf("treecache: dropping corrupt snapshot for post %s: %v", postID, err)
		_ = c.client.Del(ctx, c.key(postID)).Err()
		return nil, false, nil
	}
	return forest, true, nil
}

// Put stores a forest snapshot with the configured TTL.
func (c *Cache) Put(ctx context.Context, postID string, forest comment.Forest) error {
	payload, err := json.Marshal(forest)
	if err != nil {
		return fmt.Errorf("marshal forest: %w", err)
	}
	if err := c.client.Set(ctx, c.key(postID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache forest: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot for a post. Called on every confirmed
// create/delete and every applied realtime event.
func (c *Cache) Invalidate(ctx context.Context, postID string) error {
	if err := c.client.Del(ctx, c.key(postID)).Err(); err != nil {
		return fmt.Errorf("invalidate forest cache: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
