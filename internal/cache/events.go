package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/config"
)

const keyRecentEvents = "tripline:events:recent:%s"

const (
	DefaultEventCacheSize = 50
	DefaultEventCacheTTL  = 24 * time.Hour
)

// CachedEvent is one entry of a scope's recent-event ring.
type CachedEvent struct {
	At    time.Time       `json:"at"`
	Frame json.RawMessage `json:"frame"`
}

// EventCache keeps the most recent frames per scope (a room or a user) so a
// reconnecting client can catch up on what it missed.
type EventCache struct {
	client *redis.Client
	size   int
	ttl    time.Duration
}

func NewEventCache(client *redis.Client, cfg config.Config) *EventCache {
	return newEventCache(client, cfg.Cache.Size, cfg.Cache.TTL)
}

func newEventCache(client *redis.Client, size int, ttl time.Duration) *EventCache {
	if size <= 0 {
		size = DefaultEventCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultEventCacheTTL
	}
	return &EventCache{client: client, size: size, ttl: ttl}
}

// Append records a frame and trims the ring to its configured size.
func (c *EventCache) Append(ctx context.Context, scope string, at time.Time, frame []byte) error {
	if c == nil || c.client == nil {
		return errors.New("event cache not configured")
	}
	if scope == "" {
		return errors.New("event cache scope is empty")
	}
	entry, err := json.Marshal(CachedEvent{At: at.UTC(), Frame: frame})
	if err != nil {
		return err
	}

	key := fmt.Sprintf(keyRecentEvents, scope)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, int64(c.size-1))
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Since returns cached frames newer than since, oldest first.
func (c *EventCache) Since(ctx context.Context, scope string, since time.Time) ([]CachedEvent, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("event cache not configured")
	}
	raw, err := c.client.LRange(ctx, fmt.Sprintf(keyRecentEvents, scope), 0, int64(c.size-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]CachedEvent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry CachedEvent
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			continue
		}
		if !entry.At.After(since) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
