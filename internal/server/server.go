package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tripline/internal/config"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	"github.com/smallbiznis/tripline/internal/notification"
	"github.com/smallbiznis/tripline/internal/observability"
	obslogger "github.com/smallbiznis/tripline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tripline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tripline/internal/observability/tracing"
	"github.com/smallbiznis/tripline/internal/realtime/gateway"
	"github.com/smallbiznis/tripline/internal/room"
	"github.com/smallbiznis/tripline/internal/scheduler"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					panic(err)
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// EventPublisher is satisfied by publisher.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, e eventsdomain.Event, opts ...publisher.Option) bool
}

// PlanScheduler is satisfied by scheduler.Scheduler.
type PlanScheduler interface {
	Schedule(ctx context.Context, plan schedulerdomain.Plan) (scheduler.Tokens, error)
	Cancel(ctx context.Context, planID string) error
}

// TokenPurger is satisfied by notification.Dispatcher.
type TokenPurger interface {
	PurgeInvalidTokens(ctx context.Context) (int, error)
}

// SessionServer is satisfied by gateway.Gateway.
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, target room.Room)
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	gateway   SessionServer
	publisher EventPublisher
	scheduler PlanScheduler
	push      TokenPurger
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	Gateway   *gateway.Gateway         `optional:"true"`
	Publisher *publisher.Publisher     `optional:"true"`
	Scheduler *scheduler.Scheduler     `optional:"true"`
	Push      *notification.Dispatcher `optional:"true"`
}

// NewServer registers every route on the shared engine. Components missing
// from the binary answer their routes with service_unavailable.
func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		log:    p.Log.Named("http.server"),
	}
	if p.Gateway != nil {
		svc.gateway = p.Gateway
	}
	if p.Publisher != nil {
		svc.publisher = p.Publisher
	}
	if p.Scheduler != nil {
		svc.scheduler = p.Scheduler
	}
	if p.Push != nil {
		svc.push = p.Push
	}
	svc.registerRealtimeRoutes()
	svc.registerInternalRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRealtimeRoutes() {
	if s.gateway == nil {
		return
	}
	ws := s.engine.Group("/ws")
	ws.GET("/plans/:id", s.ServePlanSession)
	ws.GET("/groups/:id", s.ServeGroupSession)
	ws.GET("/conversations/:id", s.ServeConversationSession)
	ws.GET("/user", s.ServeUserSession)
	ws.GET("/notifications", s.ServeNotificationSession)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal/v1", s.InternalKeyRequired())
	internal.POST("/events", s.PublishEvent)
	internal.PUT("/plans/:id/schedule", s.SchedulePlan)
	internal.DELETE("/plans/:id/schedule", s.CancelPlanSchedule)
	internal.POST("/push/cleanup", s.CleanupPushTokens)
}
