package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
)

const slotKeyFormat = "tripline:lifecycle:slot:%s:%s"

// swapSlotScript stores ARGV[1] with a TTL of ARGV[2] ms and returns the
// previous token.
var swapSlotScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
return old
`)

var takeSlotScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old then
	redis.call('DEL', KEYS[1])
end
return old
`)

var clearSlotScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func slotKey(planID string, edge schedulerdomain.Edge) string {
	return fmt.Sprintf(slotKeyFormat, planID, edge)
}

type slots struct {
	client redis.Cmdable
}

// swap installs token for (plan, edge) and returns the token it replaced.
func (s slots) swap(ctx context.Context, planID string, edge schedulerdomain.Edge, token string, ttl time.Duration) (string, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	old, err := swapSlotScript.Run(ctx, s.client, []string{slotKey(planID, edge)}, token, ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return old, err
}

// take removes the slot and returns the token it held.
func (s slots) take(ctx context.Context, planID string, edge schedulerdomain.Edge) (string, error) {
	old, err := takeSlotScript.Run(ctx, s.client, []string{slotKey(planID, edge)}).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return old, err
}

// clear removes the slot only while it still holds token.
func (s slots) clear(ctx context.Context, planID string, edge schedulerdomain.Edge, token string) (bool, error) {
	n, err := clearSlotScript.Run(ctx, s.client, []string{slotKey(planID, edge)}, token).Int64()
	return n == 1, err
}

func (s slots) get(ctx context.Context, planID string, edge schedulerdomain.Edge) (string, error) {
	token, err := s.client.Get(ctx, slotKey(planID, edge)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}
