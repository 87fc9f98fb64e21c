// Package delayqueue is a Redis sorted-set queue of payloads due at a future
// instant.
package delayqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

var ErrEmptyQueueName = errors.New("empty_queue_name")

// claimScript atomically removes up to ARGV[2] members due at or before
// ARGV[1] and returns token, payload and score triples.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, token in ipairs(due) do
	local score = redis.call('ZSCORE', KEYS[1], token)
	redis.call('ZREM', KEYS[1], token)
	local payload = redis.call('HGET', KEYS[2], token)
	redis.call('HDEL', KEYS[2], token)
	if payload then
		table.insert(out, token)
		table.insert(out, payload)
		table.insert(out, score)
	end
end
return out
`)

type Job struct {
	Token   string
	Payload []byte
	FireAt  time.Time
}

type Queue struct {
	client     redis.Cmdable
	setKey     string
	payloadKey string
}

func New(client redis.Cmdable, name string) (*Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyQueueName
	}
	return &Queue{
		client:     client,
		setKey:     "tripline:delayqueue:" + name,
		payloadKey: "tripline:delayqueue:" + name + ":payload",
	}, nil
}

// ScheduleAt stores payload to become due at at and returns its token.
func (q *Queue) ScheduleAt(ctx context.Context, at time.Time, payload []byte) (string, error) {
	token := ulid.Make().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey, token, payload)
	pipe.ZAdd(ctx, q.setKey, redis.Z{Score: float64(at.UnixMilli()), Member: token})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("delayqueue schedule: %w", err)
	}
	return token, nil
}

// Cancel removes token from the queue; it reports false when the job was
// already claimed or never existed.
func (q *Queue) Cancel(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	pipe := q.client.TxPipeline()
	removed := pipe.ZRem(ctx, q.setKey, token)
	pipe.HDel(ctx, q.payloadKey, token)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delayqueue cancel: %w", err)
	}
	return removed.Val() > 0, nil
}

// Claim removes and returns up to limit jobs due at or before now.
func (q *Queue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.setKey, q.payloadKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("delayqueue claim: %w", err)
	}

	jobs := make([]Job, 0, len(raw)/3)
	for i := 0; i+2 < len(raw); i += 3 {
		ms, _ := strconv.ParseFloat(raw[i+2], 64)
		jobs = append(jobs, Job{
			Token:   raw[i],
			Payload: []byte(raw[i+1]),
			FireAt:  time.UnixMilli(int64(ms)).UTC(),
		})
	}
	return jobs, nil
}

// Due reports the fire time of token if it is still queued.
func (q *Queue) Due(ctx context.Context, token string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.setKey, token).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.setKey).Result()
}
