package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "warn")

	lg.Info().Msg("hidden")
	lg.Warn().Str("remote", "1.2.3.4:5").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "1.2.3.4:5", line["remote"])
	assert.Equal(t, "tracker-svr", line["service"])
	assert.Contains(t, line, "time")
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "loud")

	lg.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	lg.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestHealth_SetServing(t *testing.T) {
	h := NewHealth()
	ctx := context.Background()

	h.SetServing("gt06", true)
	resp, err := h.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: "gt06"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	h.SetServing("gt06", false)
	resp, err = h.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: "gt06"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = h.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}
