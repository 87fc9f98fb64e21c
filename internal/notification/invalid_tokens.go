package notification

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const keyInvalidTokens = "tripline:push:invalid_tokens"

// InvalidTokenSet collects tokens the provider rejected permanently until an
// explicit cleanup removes them from the token store.
type InvalidTokenSet struct {
	client redis.Cmdable
}

func NewInvalidTokenSet(client *redis.Client) *InvalidTokenSet {
	return newInvalidTokenSet(client)
}

func newInvalidTokenSet(client redis.Cmdable) *InvalidTokenSet {
	return &InvalidTokenSet{client: client}
}

func (s *InvalidTokenSet) Add(ctx context.Context, tokens ...string) error {
	tokens = lo.Compact(lo.Map(tokens, func(t string, _ int) string { return strings.TrimSpace(t) }))
	if len(tokens) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, keyInvalidTokens, lo.ToAnySlice(tokens)...).Err()
}

// Pop removes and returns up to n members.
func (s *InvalidTokenSet) Pop(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	tokens, err := s.client.SPopN(ctx, keyInvalidTokens, int64(n)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return tokens, err
}

func (s *InvalidTokenSet) Size(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, keyInvalidTokens).Result()
}
