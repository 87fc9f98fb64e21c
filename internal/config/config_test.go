package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_HUB_MODE", "")
	t.Setenv("SCHEDULER_MAX_ATTEMPTS", "")
	t.Setenv("LOG_LEVEL", "")

	cfg := Load()

	assert.Equal(t, "redis", cfg.Gateway.HubMode)
	assert.Equal(t, 256, cfg.Gateway.SendBuffer)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.PresenceTTL)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 50, cfg.Cache.Size)
	assert.Equal(t, "info", cfg.Telemetry.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_HUB_MODE", " Local ")
	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "https://app.tripline.io, ,https://admin.tripline.io")
	t.Setenv("GATEWAY_PRESENCE_TTL", "90")
	t.Setenv("SCHEDULER_SWEEP_INTERVAL", "30s")
	t.Setenv("PUSH_ENABLED", "off")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")

	cfg := Load()

	assert.Equal(t, "local", cfg.Gateway.HubMode)
	assert.Equal(t, []string{"https://app.tripline.io", "https://admin.tripline.io"}, cfg.Gateway.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.Gateway.PresenceTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	assert.False(t, cfg.Push.Enabled)
	assert.False(t, cfg.PushConfigured())
	assert.Equal(t, "http", cfg.Telemetry.OtelProtocol)
}
