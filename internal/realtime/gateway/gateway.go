// Package gateway terminates client websockets, authenticates and scopes
// them to rooms, and relays hub traffic to each session.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/smallbiznis/tripline/internal/cache"
	"github.com/smallbiznis/tripline/internal/clock"
	"github.com/smallbiznis/tripline/internal/config"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	obscontext "github.com/smallbiznis/tripline/internal/observability/context"
	obslogger "github.com/smallbiznis/tripline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/ratelimit"
	"github.com/smallbiznis/tripline/internal/realtime/hub"
	"github.com/smallbiznis/tripline/internal/room"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultPingPeriod     = 54 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 256
)

const (
	closeReasonClient   = "client_closed"
	closeReasonRead     = "read_error"
	closeReasonWrite    = "write_error"
	closeReasonShutdown = "server_shutdown"
	closeReasonHub      = "hub_unavailable"
)

// EventPublisher is satisfied by publisher.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, e eventsdomain.Event, opts ...publisher.Option) bool
}

// PlanReader is the part of the plan store the gateway reads.
type PlanReader interface {
	Get(ctx context.Context, id string) (*schedulerdomain.Plan, error)
}

// Replayer returns cached frames for a scope.
type Replayer interface {
	Since(ctx context.Context, scope string, since time.Time) ([]cache.CachedEvent, error)
}

type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	TypingRate     float64
	TypingBurst    int
	AllowedOrigins []string
}

func optionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		SendBuffer:     cfg.Gateway.SendBuffer,
		TypingRate:     cfg.Gateway.TypingRate,
		TypingBurst:    cfg.Gateway.TypingBurst,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.TypingRate <= 0 {
		o.TypingRate = 2
	}
	if o.TypingBurst <= 0 {
		o.TypingBurst = 5
	}
	return o
}

type Params struct {
	fx.In

	Config     config.Config
	Hub        hub.Hub
	Authorizer Authorizer
	Verifier   *Verifier
	Receipts   directorydomain.Receipts
	Publisher  EventPublisher `optional:"true"`
	Plans      PlanReader     `optional:"true"`
	Replay     Replayer       `optional:"true"`
	Presence   *Presence
	Typing     *ratelimit.TokenBucket
	Clock      clock.Clock
	Log        *zap.Logger
	Metrics    *obsmetrics.RealtimeMetrics `optional:"true"`
}

type Gateway struct {
	hub       hub.Hub
	authz     Authorizer
	verifier  *Verifier
	receipts  directorydomain.Receipts
	publisher EventPublisher
	plans     PlanReader
	replay    Replayer
	presence  *Presence
	typing    *ratelimit.TokenBucket
	clock     clock.Clock
	log       *zap.Logger
	metrics   *obsmetrics.RealtimeMetrics
	opts      Options
	upgrader  websocket.Upgrader

	sessions sync.Map // id -> *Session
	wg       sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

var errGatewayClosing = errors.New("gateway shutting down")

func New(p Params) *Gateway {
	g := &Gateway{
		hub:       p.Hub,
		authz:     p.Authorizer,
		verifier:  p.Verifier,
		receipts:  p.Receipts,
		publisher: p.Publisher,
		plans:     p.Plans,
		replay:    p.Replay,
		presence:  p.Presence,
		typing:    p.Typing,
		clock:     p.Clock,
		log:       p.Log.Named("gateway"),
		metrics:   p.Metrics,
		opts:      optionsFromConfig(p.Config),
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(g.opts.AllowedOrigins, origin)
}

// Serve upgrades the request and runs the session for target until the
// connection ends. User and notification rooms with no id resolve to the
// authenticated user.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, target room.Room) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("gateway.upgrade_failed", zap.Error(err))
		return
	}

	userID, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.reject(conn, CloseUnauthenticated, "unauthenticated", err)
		return
	}
	if (target.Kind == room.KindUser || target.Kind == room.KindNotifications) && target.ID == "" {
		target.ID = userID
	}

	sess := newSession(uuid.NewString(), userID, target, conn, g.opts.SendBuffer)
	sess.setState(StateAuthenticated)

	// Tracked from here on so Shutdown reaches sessions still joining.
	if !g.track(sess) {
		g.reject(conn, websocket.CloseGoingAway, closeReasonShutdown, errGatewayClosing)
		return
	}
	defer g.untrack(sess)

	ctx := obscontext.WithSessionID(obscontext.WithUserID(context.WithoutCancel(r.Context()), userID), sess.id)
	log := obslogger.WithSession(g.log, sess.id, userID).With(zap.String("room", target.String()))

	if err := g.authz.Authorize(ctx, userID, target); err != nil {
		g.reject(conn, CloseForbidden, "forbidden", err)
		return
	}

	// Replayed frames are queued ahead of live traffic.
	if since, ok := parseSince(r); ok {
		g.replayInto(ctx, sess, since, log)
	}

	for _, rm := range []room.Room{target, room.System} {
		if err := g.join(ctx, sess, rm); err != nil {
			log.Error("gateway.session.join_failed", zap.Error(err))
			g.leaveAll(ctx, sess)
			g.reject(conn, websocket.CloseInternalServerErr, closeReasonHub, err)
			return
		}
	}
	sess.setState(StateRoomJoined)

	if err := g.presence.Mark(ctx, userID, sess.id); err != nil {
		log.Warn("gateway.presence.mark_failed", zap.Error(err))
	}

	g.metrics.SessionOpened(string(target.Kind))
	log.Info("gateway.session.opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(sess, log)
	}()
	reason := g.readPump(ctx, sess, log)
	sess.Close(websocket.CloseNormalClosure, reason)
	<-writerDone
	_ = conn.Close()

	sess.setState(StateDisconnected)
	g.leaveAll(ctx, sess)
	if err := g.presence.Clear(ctx, userID, sess.id); err != nil {
		log.Warn("gateway.presence.clear_failed", zap.Error(err))
	}
	g.metrics.SessionClosed(string(target.Kind), sess.closeReason)
	log.Info("gateway.session.closed", zap.String("reason", sess.closeReason))
}

func (g *Gateway) track(sess *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	g.sessions.Store(sess.id, sess)
	return true
}

func (g *Gateway) untrack(sess *Session) {
	g.sessions.Delete(sess.id)
	g.wg.Done()
}

func (g *Gateway) reject(conn *websocket.Conn, code int, reason string, err error) {
	g.metrics.SessionRejected(reason)
	g.log.Info("gateway.session.rejected", zap.Int("code", code), zap.String("reason", reason), zap.Error(err))
	writeClose(conn, code, reason, g.opts.WriteWait)
	_ = conn.Close()
}

func (g *Gateway) join(ctx context.Context, sess *Session, r room.Room) error {
	if sess.joined(r) {
		return nil
	}
	if err := g.hub.Subscribe(ctx, r, sess); err != nil {
		return err
	}
	sess.track(r)
	return nil
}

func (g *Gateway) leaveAll(ctx context.Context, sess *Session) {
	for _, r := range sess.drain() {
		g.hub.Unsubscribe(ctx, r, sess)
	}
}

func (g *Gateway) replayInto(ctx context.Context, sess *Session, since time.Time, log *zap.Logger) {
	if g.replay == nil {
		return
	}
	if k := sess.primary.Kind; k != room.KindUser && k != room.KindNotifications {
		return
	}
	events, err := g.replay.Since(ctx, room.User(sess.userID).String(), since)
	if err != nil {
		log.Warn("gateway.replay_failed", zap.Error(err))
		return
	}
	for _, e := range events {
		if !sess.Deliver(e.Frame) {
			g.metrics.IncFrameDropped("replay_buffer_full")
			break
		}
	}
	log.Debug("gateway.replayed", zap.Int("count", len(events)))
}

func parseSince(r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func (g *Gateway) readPump(ctx context.Context, sess *Session, log *zap.Logger) string {
	conn := sess.conn
	conn.SetReadLimit(g.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.closed:
				return sess.closeReason
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return closeReasonClient
			}
			log.Debug("gateway.session.read_failed", zap.Error(err))
			return closeReasonRead
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		g.handleFrame(ctx, sess, data, log)
	}
}

func (g *Gateway) writePump(sess *Session, log *zap.Logger) {
	conn := sess.conn
	ticker := time.NewTicker(g.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sess.send:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("gateway.session.write_failed", zap.Error(err))
				sess.Close(websocket.CloseAbnormalClosure, closeReasonWrite)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close(websocket.CloseAbnormalClosure, closeReasonWrite)
				_ = conn.Close()
				return
			}
		case <-sess.closed:
			if sess.closeReason != closeReasonClient && sess.closeReason != closeReasonRead {
				writeClose(conn, sess.closeCode, sess.closeReason, g.opts.WriteWait)
			}
			// Unblock the reader when the server initiated the close.
			_ = conn.SetReadDeadline(time.Now().Add(g.opts.WriteWait))
			return
		}
	}
}

// Sessions reports the number of open sessions on this process.
func (g *Gateway) Sessions() int {
	n := 0
	g.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown sends going-away to every session and waits for them to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	g.sessions.Range(func(_, v any) bool {
		v.(*Session).Close(websocket.CloseGoingAway, closeReasonShutdown)
		return true
	})
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("gateway shutdown: sessions still open"), ctx.Err())
	}
}
