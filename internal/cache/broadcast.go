package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel carries cache invalidations between instances.
const Channel = "chronod:cache"

const redisPublishTimeout = 2 * time.Second

// invalidation is the wire format published on Channel. Origin lets an
// instance skip its own messages.
type invalidation struct {
	Origin   string   `json:"origin"`
	Keys     []string `json:"keys,omitempty"`
	Prefixes []string `json:"prefixes,omitempty"`
}

// Broadcast pairs a local cache with a redis pub/sub channel so writes on
// one instance invalidate the others. It satisfies the same Invalidate
// shape as Cache; with no redis configured callers use the Cache directly.
type Broadcast struct {
	cache  *Cache
	rdb    *redis.Client
	origin string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcast connects to redis and returns a broadcast bound to cache.
func NewBroadcast(ctx context.Context, redisURL string, cache *Cache) (*Broadcast, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Broadcast{
		cache:  cache,
		rdb:    rdb,
		origin: uuid.NewString(),
	}, nil
}

// Start subscribes and applies remote invalidations until Stop.
func (b *Broadcast) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	pubsub := b.rdb.Subscribe(ctx, Channel)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(msg.Payload)
			}
		}
	}()
	slog.Info("cache broadcast started", "channel", Channel)
}

func (b *Broadcast) apply(payload string) {
	var inv invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		slog.Warn("cache broadcast: bad message", "error", err)
		return
	}
	if inv.Origin == b.origin {
		return
	}
	b.cache.Invalidate(inv.Keys, inv.Prefixes)
}

// Invalidate removes the keys and prefixes locally and publishes the same
// invalidation for the other instances. Publish failures are logged, not
// returned: the local cache is already consistent and remote entries expire
// by TTL anyway.
func (b *Broadcast) Invalidate(keys []string, prefixes []string) {
	b.cache.Invalidate(keys, prefixes)
	msg, err := json.Marshal(invalidation{Origin: b.origin, Keys: keys, Prefixes: prefixes})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, Channel, msg).Err(); err != nil {
		slog.Warn("cache broadcast: publish failed", "error", err)
	}
}

// Stop ends the subscription and closes the redis client.
func (b *Broadcast) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if err := b.rdb.Close(); err != nil {
		slog.Warn("cache broadcast: close failed", "error", err)
	}
}
