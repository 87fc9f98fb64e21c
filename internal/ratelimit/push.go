package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/tripline/internal/config"
)

const (
	keyPushGlobal    = "tripline:ratelimit:push:global"
	keyPushRecipient = "tripline:ratelimit:push:user:%s"
)

// Scopes reported when a push is denied.
const (
	ScopeGlobal    = "global"
	ScopeRecipient = "recipient"
)

// PushLimiter applies the platform-wide and per-recipient push ceilings.
// Limits are read from the hot-reloaded tuning on every call.
type PushLimiter struct {
	window *FixedWindow
	tuning *config.PushTuningHolder
}

func NewPushLimiter(window *FixedWindow, tuning *config.PushTuningHolder) *PushLimiter {
	return &PushLimiter{window: window, tuning: tuning}
}

// AllowGlobal consumes one slot of the global window.
func (l *PushLimiter) AllowGlobal(ctx context.Context) (bool, error) {
	t := l.tuning.Get()
	res, err := l.window.Hit(ctx, keyPushGlobal, t.GlobalLimit, t.Window)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// AllowRecipient consumes one slot of userID's window.
func (l *PushLimiter) AllowRecipient(ctx context.Context, userID string) (bool, error) {
	t := l.tuning.Get()
	res, err := l.window.Hit(ctx, fmt.Sprintf(keyPushRecipient, strings.TrimSpace(userID)), t.PerUserLimit, t.Window)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
