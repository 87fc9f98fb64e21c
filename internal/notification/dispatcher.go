// Package notification delivers push notifications to offline recipients.
package notification

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"github.com/smallbiznis/tripline/internal/clock"
	"github.com/smallbiznis/tripline/internal/config"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrRateLimited = errors.New("rate_limited")

// Recipient is one user and every push token registered to them.
type Recipient struct {
	UserID string
	Tokens []string
}

type Message struct {
	EventType string
	Title     string
	Body      string
	Priority  string
	Data      map[string]string
}

type Result struct {
	Success int `json:"success"`
	Total   int `json:"total"`
}

// Limiter is satisfied by ratelimit.PushLimiter.
type Limiter interface {
	AllowGlobal(ctx context.Context) (bool, error)
	AllowRecipient(ctx context.Context, userID string) (bool, error)
}

type Dispatcher struct {
	enabled   bool
	transport Transport
	limiter   Limiter
	tuning    *config.PushTuningHolder
	invalid   *InvalidTokenSet
	tokens    directorydomain.Tokens
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.RealtimeMetrics
	otel      *metrics.Metrics
}

type Params struct {
	fx.In

	Config    config.Config
	Transport Transport
	Limiter   *ratelimit.PushLimiter
	Tuning    *config.PushTuningHolder
	Invalid   *InvalidTokenSet
	Tokens    directorydomain.Tokens
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.RealtimeMetrics
	Otel      *metrics.Metrics `optional:"true"`
}

func NewDispatcher(p Params) *Dispatcher {
	return newDispatcher(p.Config.PushConfigured(), p.Transport, p.Limiter, p.Tuning, p.Invalid, p.Tokens, p.Clock, p.Log, p.Metrics, p.Otel)
}

func newDispatcher(
	enabled bool,
	transport Transport,
	limiter Limiter,
	tuning *config.PushTuningHolder,
	invalid *InvalidTokenSet,
	tokens directorydomain.Tokens,
	clk clock.Clock,
	log *zap.Logger,
	m *metrics.RealtimeMetrics,
	otel *metrics.Metrics,
) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		enabled:   enabled && transport != nil,
		transport: transport,
		limiter:   limiter,
		tuning:    tuning,
		invalid:   invalid,
		tokens:    tokens,
		clock:     clk,
		log:       log.Named("push"),
		metrics:   m,
		otel:      otel,
	}
}

func (d *Dispatcher) Enabled() bool {
	return d != nil && d.enabled
}

// SendBatch pushes msg to every token of every recipient and reports how many
// tokens the provider accepted out of all tokens passed in.
func (d *Dispatcher) SendBatch(ctx context.Context, recipients []Recipient, msg Message) Result {
	total := 0
	for _, r := range recipients {
		total += len(r.Tokens)
	}
	result := Result{Total: total}
	if !d.Enabled() || len(recipients) == 0 {
		d.metrics.AddPushTokens(metrics.PushOutcomeSkipped, total)
		return result
	}

	allowed, err := d.limiter.AllowGlobal(ctx)
	if err != nil {
		d.log.Warn("push.rate_limit.unavailable", zap.String("scope", ratelimit.ScopeGlobal), zap.Error(err))
	}
	if !allowed {
		d.denied(ctx, ratelimit.ScopeGlobal, total)
		return result
	}

	tokens := make([]string, 0, total)
	for _, r := range recipients {
		if len(r.Tokens) == 0 {
			continue
		}
		ok, err := d.limiter.AllowRecipient(ctx, r.UserID)
		if err != nil {
			d.log.Warn("push.rate_limit.unavailable", zap.String("scope", ratelimit.ScopeRecipient), zap.String("user_id", r.UserID), zap.Error(err))
		}
		if !ok {
			d.denied(ctx, ratelimit.ScopeRecipient, len(r.Tokens))
			continue
		}
		tokens = append(tokens, r.Tokens...)
	}
	if len(tokens) == 0 {
		return result
	}

	batchSize := d.tuning.Get().BatchSize
	for _, batch := range lo.Chunk(tokens, batchSize) {
		result.Success += d.sendOne(ctx, batch, msg)
	}

	if d.otel != nil {
		d.otel.RecordPushDelivered(ctx, msg.EventType, result.Success)
	}
	d.log.Debug("push.batch.done",
		zap.String("event_type", msg.EventType),
		zap.Int("success", result.Success),
		zap.Int("total", result.Total),
	)
	return result
}

func (d *Dispatcher) sendOne(ctx context.Context, batch []string, msg Message) int {
	start := d.clock.Now()
	results, err := d.transport.Send(ctx, batch, msg)
	d.metrics.ObservePushBatch(d.clock.Now().Sub(start).Seconds())
	if err != nil {
		d.metrics.AddPushTokens(metrics.PushOutcomeFailed, len(batch))
		d.log.Warn("push.batch.failed", zap.Int("tokens", len(batch)), zap.Error(err))
		return 0
	}

	success := 0
	var invalid []string
	for _, r := range results {
		switch {
		case r.Error == "":
			success++
		case IsInvalidTokenError(r.Error):
			invalid = append(invalid, r.Token)
		}
	}
	d.metrics.AddPushTokens(metrics.PushOutcomeSent, success)
	d.metrics.AddPushTokens(metrics.PushOutcomeInvalid, len(invalid))
	d.metrics.AddPushTokens(metrics.PushOutcomeFailed, len(results)-success-len(invalid))

	if len(invalid) > 0 && d.invalid != nil {
		if err := d.invalid.Add(ctx, invalid...); err != nil {
			d.log.Warn("push.invalid_tokens.record_failed", zap.Int("tokens", len(invalid)), zap.Error(err))
		}
	}
	return success
}

func (d *Dispatcher) denied(ctx context.Context, scope string, tokens int) {
	d.metrics.AddPushTokens(metrics.PushOutcomeRateLimited, tokens)
	if d.otel != nil {
		d.otel.RecordRateLimitDenied(ctx, scope, ErrRateLimited.Error())
	}
	d.log.Info("push.rate_limited", zap.String("scope", scope), zap.Int("tokens", tokens))
}

// PurgeInvalidTokens drains the invalid-token set and deletes those tokens
// from the token store.
func (d *Dispatcher) PurgeInvalidTokens(ctx context.Context) (int, error) {
	if d.invalid == nil || d.tokens == nil {
		return 0, nil
	}

	removed := 0
	for {
		batch, err := d.invalid.Pop(ctx, d.tuning.Get().BatchSize)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			break
		}
		n, err := d.tokens.RemoveTokens(ctx, batch)
		if err != nil {
			if restoreErr := d.invalid.Add(ctx, batch...); restoreErr != nil {
				err = errors.Join(err, restoreErr)
			}
			return removed, err
		}
		removed += n
	}

	d.log.Info("push.invalid_tokens.purged", zap.Int("removed", removed), zap.Time("at", d.clock.Now()))
	return removed, nil
}

// Resolve looks up push tokens for userIDs and groups them per recipient.
func (d *Dispatcher) Resolve(ctx context.Context, userIDs []string) ([]Recipient, error) {
	if d.tokens == nil || len(userIDs) == 0 {
		return nil, nil
	}
	tokens, err := d.tokens.TokensFor(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byUser := lo.GroupBy(tokens, func(t directorydomain.PushToken) string { return t.UserID })
	recipients := make([]Recipient, 0, len(byUser))
	for _, id := range lo.Uniq(userIDs) {
		owned, ok := byUser[id]
		if !ok {
			continue
		}
		recipients = append(recipients, Recipient{
			UserID: id,
			Tokens: lo.Map(owned, func(t directorydomain.PushToken, _ int) string { return t.Token }),
		})
	}
	return recipients, nil
}
