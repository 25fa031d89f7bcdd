package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/sessioncore/internal/election"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestNewService(t *testing.T) {
	svc, err := NewService(Config{ServiceName: "sessioncore-test", ServiceVersion: "1.0.0", Environment: "test", MetricsEnabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	assert.NotNil(t, svc.resource)
	assert.NotNil(t, svc.registry)
	assert.NotNil(t, svc.Meter())
}

func TestMetricsDisabled(t *testing.T) {
	svc, err := NewService(Config{ServiceName: "sessioncore-test"})
	require.NoError(t, err)

	m, err := NewSessionMetrics(svc.Meter())
	require.NoError(t, err)
	m.EventEmitted(context.Background(), "activity", "low", "delivered")

	code, _ := scrape(t, svc.Handler())
	assert.Equal(t, http.StatusNotFound, code)
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestSessionMetricsExported(t *testing.T) {
	svc, err := NewService(Config{ServiceName: "sessioncore-test", MetricsEnabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	m, err := NewSessionMetrics(svc.Meter())
	require.NoError(t, err)

	ctx := context.Background()
	m.EventEmitted(ctx, "security:revoked", "critical", "delivered")
	m.EventDelivered(ctx, "security:revoked", "delivered")
	m.ObserveElection(election.Outcome{Reason: election.ReasonElected})
	m.ObserveElection(election.Outcome{Reason: election.ReasonNoCandidates, Failed: true})
	m.ConnectionOpened(ctx)
	m.ConnectionOpened(ctx)
	m.ConnectionClosed(ctx)
	m.TokenRefreshed(ctx, "refreshed", 20*time.Millisecond)

	code, body := scrape(t, svc.Handler())
	require.Equal(t, http.StatusOK, code)
	for _, name := range []string{
		"sessioncore_events_emitted_total",
		"sessioncore_events_delivered_total",
		"sessioncore_leader_elections_total",
		"sessioncore_connections_active",
		"sessioncore_token_refreshes_total",
	} {
		assert.Contains(t, body, name)
	}
	assert.Contains(t, body, `event_type="security:revoked"`)
	assert.Contains(t, body, `reason="no_candidates"`)
}

func TestInstrumentRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, err := NewService(Config{ServiceName: "sessioncore-test", MetricsEnabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	require.NoError(t, svc.InstrumentRedis(client))
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	disabled, err := NewService(Config{ServiceName: "sessioncore-test"})
	require.NoError(t, err)
	assert.NoError(t, disabled.InstrumentRedis(client))
}

func TestMetricBuilder_KeepsFirstError(t *testing.T) {
	svc, err := NewService(Config{ServiceName: "sessioncore-test", MetricsEnabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	mb := newMetricBuilder(svc.Meter())
	assert.NotNil(t, mb.counter(electionsInstrument))
	require.NoError(t, mb.Error())

	mb.counter(instrument{name: "1-not-a-metric", desc: "invalid"})
	require.Error(t, mb.Error())
	assert.Contains(t, mb.Error().Error(), "counter 1-not-a-metric")

	// later instruments are skipped once an error is recorded
	assert.Nil(t, mb.histogram(refreshDurationInstrument))
}
