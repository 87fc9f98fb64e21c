package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, g prometheus.Gatherer, name string) *dto.MetricFamily {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestSessionGaugeTracksOpenAndClose(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newRealtimeMetrics(registry, Config{ServiceName: "tripline", Environment: "test"})

	m.SessionOpened("plan")
	m.SessionOpened("plan")
	m.SessionOpened("user")
	m.SessionClosed("plan", "client_closed")
	m.SessionRejected("unauthenticated")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessions.WithLabelValues("plan")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsClosed.WithLabelValues("client_closed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsClosed.WithLabelValues("unauthenticated")))

	mf := gatherFamily(t, registry, "tripline_gateway_sessions")
	assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())
	require.Len(t, mf.GetMetric(), 2)
	for _, metric := range mf.GetMetric() {
		assert.Equal(t, "tripline", labelValue(metric, "service"))
		assert.Equal(t, "test", labelValue(metric, "env"))
	}
}

func TestPushCountersIgnoreEmptyBatches(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newRealtimeMetrics(registry, Config{})

	m.AddPushTokens(PushOutcomeSent, 4)
	m.AddPushTokens(PushOutcomeInvalid, 0)
	m.AddHubDeliveries("plan", 0)
	m.ObservePushBatch(0.25)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.pushTokens.WithLabelValues(PushOutcomeSent)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pushTokens))

	mf := gatherFamily(t, registry, "tripline_push_batch_duration_seconds")
	require.Len(t, mf.GetMetric(), 1)
	hist := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), hist.GetSampleCount())
	assert.InDelta(t, 0.25, hist.GetSampleSum(), 1e-9)
	assert.Equal(t, "unknown", labelValue(mf.GetMetric()[0], "env"))
}

func TestPublishedOutcomeLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newRealtimeMetrics(registry, Config{})

	m.IncPublished("message_sent", true)
	m.IncPublished("message_sent", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.published.WithLabelValues("message_sent", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.published.WithLabelValues("message_sent", "partial_failure")))
}
