package gateway

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/config"
)

const (
	keyPresence        = "tripline:presence:%s"
	defaultPresenceTTL = 5 * time.Minute
)

// Only the session that owns the marker may delete it, so one device
// disconnecting leaves another device's marker alone.
var clearPresenceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Presence keeps a short-lived online marker per user.
type Presence struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewPresence(client *redis.Client, cfg config.Config) *Presence {
	return newPresence(client, cfg.Gateway.PresenceTTL)
}

func newPresence(client redis.Cmdable, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &Presence{client: client, ttl: ttl}
}

// Mark records sessionID as the user's latest session and resets the TTL.
func (p *Presence) Mark(ctx context.Context, userID, sessionID string) error {
	if err := p.client.Set(ctx, fmt.Sprintf(keyPresence, userID), sessionID, p.ttl).Err(); err != nil {
		return fmt.Errorf("presence mark: %w", err)
	}
	return nil
}

func (p *Presence) Clear(ctx context.Context, userID, sessionID string) error {
	if err := clearPresenceScript.Run(ctx, p.client, []string{fmt.Sprintf(keyPresence, userID)}, sessionID).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}
