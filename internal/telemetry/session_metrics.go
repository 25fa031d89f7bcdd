package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ericfitz/sessioncore/internal/election"
)

// SessionMetrics records coordination activity: propagated events, leader
// elections, live connections and token refreshes.
type SessionMetrics struct {
	eventsEmitted   metric.Int64Counter
	eventsDelivered metric.Int64Counter
	elections       metric.Int64Counter
	connections     metric.Int64UpDownCounter
	tokenRefreshes  metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// NewSessionMetrics creates the instruments on meter
func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	mb := newMetricBuilder(meter)
	m := &SessionMetrics{
		eventsEmitted:   mb.counter(eventsEmittedInstrument),
		eventsDelivered: mb.counter(eventsDeliveredInstrument),
		elections:       mb.counter(electionsInstrument),
		connections:     mb.upDownCounter(connectionsInstrument),
		tokenRefreshes:  mb.counter(tokenRefreshesInstrument),
		refreshDuration: mb.histogram(refreshDurationInstrument),
	}
	if err := mb.Error(); err != nil {
		return nil, err
	}
	return m, nil
}

// EventEmitted counts one Emit call by type, priority and outcome
func (m *SessionMetrics) EventEmitted(ctx context.Context, eventType, priority, outcome string) {
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("priority", priority),
		attribute.String("outcome", outcome),
	))
}

// EventDelivered counts one delivery attempt to a connection
func (m *SessionMetrics) EventDelivered(ctx context.Context, eventType, result string) {
	m.eventsDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("result", result),
	))
}

// ObserveElection is an election observer
func (m *SessionMetrics) ObserveElection(o election.Outcome) {
	result := "elected"
	if o.Failed {
		result = "failed"
	}
	m.elections.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", o.Reason),
		attribute.String("result", result),
	))
}

func (m *SessionMetrics) ConnectionOpened(ctx context.Context) {
	m.connections.Add(ctx, 1)
}

func (m *SessionMetrics) ConnectionClosed(ctx context.Context) {
	m.connections.Add(ctx, -1)
}

// TokenRefreshed records a refresh attempt and its duration
func (m *SessionMetrics) TokenRefreshed(ctx context.Context, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.tokenRefreshes.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, elapsed.Seconds(), attrs)
}
