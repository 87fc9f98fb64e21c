package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PushOutcomeSent        = "sent"
	PushOutcomeFailed      = "failed"
	PushOutcomeInvalid     = "invalid_token"
	PushOutcomeRateLimited = "rate_limited"
	PushOutcomeSkipped     = "skipped"
)

// RealtimeMetrics covers the gateway, hub, publisher and push dispatcher.
type RealtimeMetrics struct {
	sessions         *prometheus.GaugeVec
	sessionsClosed   *prometheus.CounterVec
	framesIn         *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	roomsActive      prometheus.Gauge
	hubDeliveries    *prometheus.CounterVec
	hubFailures      *prometheus.CounterVec
	published        *prometheus.CounterVec
	pushTokens       *prometheus.CounterVec
	pushBatchLatency prometheus.Observer
}

var (
	realtimeMetricsOnce sync.Once
	realtimeMetrics     *RealtimeMetrics
)

// Realtime returns the singleton realtime metrics registry.
func Realtime() *RealtimeMetrics {
	return RealtimeWithConfig(Config{})
}

func RealtimeWithConfig(cfg Config) *RealtimeMetrics {
	realtimeMetricsOnce.Do(func() {
		realtimeMetrics = newRealtimeMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return realtimeMetrics
}

// ResetRealtimeMetricsForTest swaps the singleton onto a fresh registerer.
func ResetRealtimeMetricsForTest(registerer prometheus.Registerer) *RealtimeMetrics {
	realtimeMetricsOnce = sync.Once{}
	realtimeMetrics = nil
	realtimeMetricsOnce.Do(func() {
		realtimeMetrics = newRealtimeMetrics(registerer, Config{ServiceName: "tripline", Environment: "test"})
	})
	return realtimeMetrics
}

func newRealtimeMetrics(registerer prometheus.Registerer, cfg Config) *RealtimeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	m := &RealtimeMetrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tripline_gateway_sessions",
			Help:        "Open websocket sessions by room kind.",
			ConstLabels: constLabels,
		}, []string{"room_kind"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_gateway_sessions_closed_total",
			Help:        "Closed websocket sessions by close reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_gateway_frames_in_total",
			Help:        "Inbound client frames by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_gateway_frames_dropped_total",
			Help:        "Frames dropped by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tripline_hub_rooms_active",
			Help:        "Rooms with at least one local subscriber.",
			ConstLabels: constLabels,
		}),
		hubDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_hub_deliveries_total",
			Help:        "Messages delivered to local sessions by room kind.",
			ConstLabels: constLabels,
		}, []string{"room_kind"}),
		hubFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_hub_publish_failures_total",
			Help:        "Room publishes that failed on the transport.",
			ConstLabels: constLabels,
		}, []string{"room_kind"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_events_published_total",
			Help:        "Events handed to the publisher by type and outcome.",
			ConstLabels: constLabels,
		}, []string{"event_type", "outcome"}),
		pushTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripline_push_tokens_total",
			Help:        "Push tokens processed by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
	pushBatchLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "tripline_push_batch_duration_seconds",
		Help:        "Outbound push batch latency.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	})
	m.pushBatchLatency = pushBatchLatency

	registerer.MustRegister(
		m.sessions,
		m.sessionsClosed,
		m.framesIn,
		m.framesDropped,
		m.roomsActive,
		m.hubDeliveries,
		m.hubFailures,
		m.published,
		m.pushTokens,
		pushBatchLatency,
	)
	return m
}

func (m *RealtimeMetrics) SessionOpened(roomKind string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(roomKind).Inc()
}

func (m *RealtimeMetrics) SessionClosed(roomKind, reason string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(roomKind).Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// SessionRejected counts a connection closed before it joined a room.
func (m *RealtimeMetrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *RealtimeMetrics) IncFrameIn(frameType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frameType).Inc()
}

func (m *RealtimeMetrics) IncFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *RealtimeMetrics) SetRoomsActive(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

func (m *RealtimeMetrics) AddHubDeliveries(roomKind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.hubDeliveries.WithLabelValues(roomKind).Add(float64(n))
}

func (m *RealtimeMetrics) IncHubFailure(roomKind string) {
	if m == nil {
		return
	}
	m.hubFailures.WithLabelValues(roomKind).Inc()
}

func (m *RealtimeMetrics) IncPublished(eventType string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "partial_failure"
	}
	m.published.WithLabelValues(eventType, outcome).Inc()
}

func (m *RealtimeMetrics) AddPushTokens(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushTokens.WithLabelValues(outcome).Add(float64(n))
}

func (m *RealtimeMetrics) ObservePushBatch(seconds float64) {
	if m == nil {
		return
	}
	m.pushBatchLatency.Observe(seconds)
}
