package propagation_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/connections/conntest"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/propagation"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/roomstore"
)

var fastRetry = retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type auditRecord struct {
	eventType string
	origin    string
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []auditRecord
	err     error
}

func (a *fakeAuditor) RecordSecurityEvent(_ context.Context, _, eventType, origin string, _ []byte, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, auditRecord{eventType, origin})
	return nil
}

type testEnv struct {
	mr         *miniredis.Miniredis
	registry   *hierarchy.Registry
	conns      *connections.Registry
	engine     *propagation.Engine
	auditor    *fakeAuditor
	clock      *clockwork.FakeClock
	transports map[string]*conntest.Transport
}

func testConfig() propagation.Config {
	cfg := propagation.DefaultConfig()
	cfg.HighDelay, cfg.MediumDelay, cfg.LowDelay = 0, 0, 0
	cfg.Retry = fastRetry
	return cfg
}

func setup(t *testing.T, cfg propagation.Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := roomstore.New(client, roomstore.Config{Namespace: "test", Retry: fastRetry})
	registry := hierarchy.New(store, hierarchy.DefaultConfig(), hierarchy.WithClock(clock))
	conns := connections.New(connections.Config{}, connections.WithClock(clock))
	auditor := &fakeAuditor{}

	return &testEnv{
		mr:         mr,
		registry:   registry,
		conns:      conns,
		engine:     propagation.New(registry, conns, cfg, propagation.WithClock(clock), propagation.WithAuditor(auditor)),
		auditor:    auditor,
		clock:      clock,
		transports: make(map[string]*conntest.Transport),
	}
}

// chain creates user:u1 → device:d1 → session:s1 → tab:t1 and joins connID to
// every room of it, the way an authenticated tab does
func (e *testEnv) chain(t *testing.T, connID string) *hierarchy.HierarchyRooms {
	t.Helper()
	ctx := context.Background()
	rooms, err := e.registry.EnsureHierarchy(ctx, hierarchy.HierarchyRequest{
		UserID: "u1", DeviceID: "d1", SessionID: "s1", TabID: "t1",
	})
	require.NoError(t, err)
	e.connect(t, connID)
	for _, id := range rooms.Path() {
		require.NoError(t, e.registry.JoinRoom(ctx, connID, id))
	}
	return rooms
}

func (e *testEnv) connect(t *testing.T, connID string) {
	t.Helper()
	tr := conntest.NewTransport()
	_, err := e.conns.Add(connID, tr)
	require.NoError(t, err)
	e.transports[connID] = tr
}

func TestEmit_SecurityEventReachesWholeChain(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")

	// a second connection only in the device room
	env.connect(t, "c2")
	require.NoError(t, env.registry.JoinRoom(ctx, "c2", hierarchy.Device.Room("d1")))

	receipt, err := env.engine.Emit(ctx, propagation.Request{
		Type:      "security:password_changed",
		Payload:   map[string]string{"userId": "u1"},
		Origin:    hierarchy.User.Room("u1"),
		Direction: propagation.Down,
		Priority:  propagation.Critical,
	})
	require.NoError(t, err)

	assert.Subset(t, receipt.Path, []hierarchy.RoomID{"device:d1", "session:s1", "tab:t1"})
	assert.Equal(t, hierarchy.RoomID("user:u1"), receipt.Path[0])
	assert.Equal(t, 2, receipt.Delivered)

	msgs := env.transports["c1"].OfType("security:password_changed")
	require.Len(t, msgs, 1, "joined to four rooms, delivered once")
	require.NotNil(t, msgs[0].Event)
	assert.Equal(t, receipt.EventID, msgs[0].Event.ID)
	assert.Equal(t, "critical", msgs[0].Event.Priority)
	assert.JSONEq(t, `{"userId":"u1"}`, string(msgs[0].Payload))
	assert.Len(t, env.transports["c2"].OfType("security:password_changed"), 1)

	require.Len(t, env.auditor.records, 1)
	assert.Equal(t, auditRecord{"security:password_changed", "user:u1"}, env.auditor.records[0])
}

func TestEmit_Directions(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")

	receipt, err := env.engine.Emit(ctx, propagation.Request{
		Type: "session:updated", Origin: hierarchy.Tab.Room("t1"), Direction: propagation.Up, Priority: propagation.High,
	})
	require.NoError(t, err)
	assert.Equal(t, []hierarchy.RoomID{"tab:t1", "session:s1", "device:d1", "user:u1"}, receipt.Path)

	receipt, err = env.engine.Emit(ctx, propagation.Request{
		Type: "session:updated", Origin: hierarchy.Session.Room("s1"), Direction: propagation.Both, Priority: propagation.High,
		Persist: true,
	})
	require.NoError(t, err)
	assert.Equal(t, hierarchy.RoomID("session:s1"), receipt.Path[0])
	assert.ElementsMatch(t, []hierarchy.RoomID{"session:s1", "tab:t1", "device:d1", "user:u1"}, receipt.Path)

	for _, id := range receipt.Path {
		events, err := env.registry.RecentEvents(ctx, id, "session:updated", 10)
		require.NoError(t, err)
		assert.Len(t, events, 1, "history of %s", id)
	}
	assert.Len(t, env.transports["c1"].OfType("session:updated"), 2)
}

func TestEmit_MissingOriginHasNoRecipients(t *testing.T) {
	env := setup(t, testConfig())

	receipt, err := env.engine.Emit(context.Background(), propagation.Request{
		Type: "session:updated", Origin: hierarchy.Session.Room("nope"), Direction: propagation.Both,
	})
	require.NoError(t, err)
	assert.Empty(t, receipt.Path)
	assert.Zero(t, receipt.Delivered)
}

func TestEmit_RejectsInvalidRequests(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  propagation.Request
	}{
		{"no type", propagation.Request{Origin: "user:u1", Direction: propagation.Down}},
		{"bad origin", propagation.Request{Type: "x", Origin: "planet:earth", Direction: propagation.Down}},
		{"bad direction", propagation.Request{Type: "x", Origin: "user:u1", Direction: "sideways"}},
		{"bad priority", propagation.Request{Type: "x", Origin: "user:u1", Direction: propagation.Up, Priority: 9}},
		{"bad payload", propagation.Request{Type: "x", Origin: "user:u1", Direction: propagation.Up, Payload: func() {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Emit(ctx, tt.req)
			assert.ErrorIs(t, err, propagation.ErrInvalidEvent)
		})
	}

	_, err := env.engine.Emit(ctx, propagation.Request{Type: "x", Origin: "user:", Direction: propagation.Up})
	assert.ErrorIs(t, err, hierarchy.ErrInvalidRoomID)
}

func TestEmit_ThrottlesActivityPerOrigin(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")

	activity := func(origin hierarchy.RoomID) *propagation.Receipt {
		r, err := env.engine.Emit(ctx, propagation.Request{
			Type: "activity", Origin: origin, Direction: propagation.Up, Priority: propagation.Low,
		})
		require.NoError(t, err)
		return r
	}

	assert.False(t, activity("tab:t1").Throttled)
	assert.True(t, activity("tab:t1").Throttled)
	assert.False(t, activity("session:s1").Throttled, "window is per origin")

	env.clock.Advance(1100 * time.Millisecond)
	assert.False(t, activity("tab:t1").Throttled)

	stats := env.engine.Stats()
	assert.Equal(t, uint64(1), stats.Throttled)
	assert.Equal(t, uint64(3), stats.Emitted)
}

func TestEmit_RateCapSparesCritical(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.Burst = 2
	env := setup(t, cfg)
	ctx := context.Background()
	env.chain(t, "c1")

	emit := func(p propagation.Priority) *propagation.Receipt {
		r, err := env.engine.Emit(ctx, propagation.Request{
			Type: "presence:changed", Origin: "tab:t1", Direction: propagation.Up, Priority: p,
		})
		require.NoError(t, err)
		return r
	}

	assert.False(t, emit(propagation.Medium).Dropped)
	assert.False(t, emit(propagation.Low).Dropped)
	assert.True(t, emit(propagation.Medium).Dropped)
	assert.False(t, emit(propagation.Critical).Dropped)

	env.clock.Advance(time.Second)
	assert.False(t, emit(propagation.Low).Dropped)

	assert.Equal(t, uint64(1), env.engine.Stats().Dropped)
	assert.Len(t, env.transports["c1"].OfType("presence:changed"), 4)
}

func TestEmit_PriorityDelay(t *testing.T) {
	cfg := testConfig()
	cfg.HighDelay = 100 * time.Millisecond
	env := setup(t, cfg)
	env.chain(t, "c1")

	ctx := t.Context()
	env.engine.EmitAsync(ctx, propagation.Request{
		Type: "session:updated", Origin: "session:s1", Direction: propagation.Down, Priority: propagation.High,
	})
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, env.transports["c1"].OfType("session:updated"))

	env.clock.Advance(100 * time.Millisecond)
	env.engine.Wait()
	assert.Len(t, env.transports["c1"].OfType("session:updated"), 1)
	assert.Equal(t, 100*time.Millisecond, env.engine.Delay(propagation.High))
	assert.Zero(t, env.engine.Delay(propagation.Critical))
}

func TestEmit_DeliveryFailuresAreSwallowed(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")
	env.connect(t, "c2")
	require.NoError(t, env.registry.JoinRoom(ctx, "c2", "session:s1"))
	// member recorded in the store but not connected to this process
	require.NoError(t, env.registry.JoinRoom(ctx, "elsewhere", "session:s1"))

	env.transports["c2"].SetFailure(errors.New("broken pipe"))

	receipt, err := env.engine.Emit(ctx, propagation.Request{
		Type: "session:updated", Origin: "session:s1", Direction: propagation.Down, Priority: propagation.Critical,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Delivered)
	assert.Equal(t, 1, receipt.Failed)
	assert.Equal(t, 1, receipt.Skipped)
	assert.Equal(t, uint64(1), env.engine.Stats().Failed)
}

func TestEmit_AuditFailureSurfaces(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")
	env.auditor.err = errors.New("db down")

	receipt, err := env.engine.Emit(ctx, propagation.Request{
		Type: "security:session_revoked", Origin: "user:u1", Direction: propagation.Down, Priority: propagation.Critical,
	})
	require.ErrorIs(t, err, propagation.ErrPropagationFailed)
	assert.ErrorIs(t, err, retry.ErrRetryExhausted)
	require.NotNil(t, receipt)
	assert.Equal(t, 1, receipt.Delivered, "live delivery still attempted")
	assert.Equal(t, uint64(1), env.engine.Stats().PersistFailed)
}

func TestEmit_StoreFailureSurfaces(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")
	env.mr.SetError("ERR unavailable")

	_, err := env.engine.Emit(ctx, propagation.Request{
		Type: "security:password_changed", Origin: "user:u1", Direction: propagation.Down,
		Priority: propagation.Critical, Persist: true,
	})
	assert.ErrorIs(t, err, propagation.ErrPropagationFailed)
}

func TestSubscribe(t *testing.T) {
	env := setup(t, testConfig())
	ctx := context.Background()
	env.chain(t, "c1")

	var got []propagation.Event
	env.engine.Subscribe("token:expiring", func(_ context.Context, ev propagation.Event) {
		got = append(got, ev)
	})
	env.engine.Subscribe("token:expiring", func(context.Context, propagation.Event) {
		panic("subscriber bug")
	})

	_, err := env.engine.Emit(ctx, propagation.Request{
		Type: "token:expiring", Payload: protocol.TokenExpiringPayload{UserID: "u1"},
		Origin: "session:s1", Direction: propagation.Down, Priority: propagation.Critical,
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.True(t, got[0].Processed)
	assert.Equal(t, []hierarchy.RoomID{"session:s1", "tab:t1"}, got[0].Path)
	var p protocol.TokenExpiringPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &p))
	assert.Equal(t, "u1", p.UserID)
}

func TestPriority(t *testing.T) {
	for _, p := range []propagation.Priority{propagation.Critical, propagation.High, propagation.Medium, propagation.Low} {
		assert.Equal(t, p, propagation.ParsePriority(p.String()))
	}
	assert.Equal(t, propagation.Medium, propagation.ParsePriority("bogus"))
	assert.True(t, propagation.IsSecurity("security:password_changed"))
	assert.False(t, propagation.IsSecurity("session:updated"))
}
