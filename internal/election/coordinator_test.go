package election_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/connections/conntest"
	"github.com/ericfitz/sessioncore/internal/election"
	"github.com/ericfitz/sessioncore/internal/protocol"
)

type testEnv struct {
	conns       *connections.Registry
	coordinator *election.Coordinator
	clock       *clockwork.FakeClock
	transports  map[string]*conntest.Transport

	mu       sync.Mutex
	outcomes []election.Outcome
}

func setup(t *testing.T, cfg election.Config) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	conns := connections.New(connections.Config{}, connections.WithClock(clock))
	env := &testEnv{
		conns:       conns,
		coordinator: election.New(conns, cfg, election.WithClock(clock)),
		clock:       clock,
		transports:  make(map[string]*conntest.Transport),
	}
	env.coordinator.Subscribe(func(o election.Outcome) {
		env.mu.Lock()
		env.outcomes = append(env.outcomes, o)
		env.mu.Unlock()
	})
	return env
}

func immediate() election.Config {
	cfg := election.DefaultConfig()
	cfg.ElectionDelay = 0
	return cfg
}

func (e *testEnv) connect(t *testing.T, connID, userID, deviceID, tabID string) {
	t.Helper()
	tr := conntest.NewTransport()
	_, err := e.conns.Add(connID, tr)
	require.NoError(t, err)
	_, err = e.conns.Authenticate(connID, connections.Identity{UserID: userID, DeviceID: deviceID, TabID: tabID})
	require.NoError(t, err)
	e.transports[connID] = tr
}

func (e *testEnv) disconnect(connID string) {
	conn, ok := e.conns.Remove(connID)
	if !ok {
		return
	}
	identity, authed := conn.Identity()
	e.coordinator.ConnectionLost(connID, identity, authed)
}

func (e *testEnv) recorded() []election.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]election.Outcome(nil), e.outcomes...)
}

func lastElected(t *testing.T, tr *conntest.Transport) protocol.LeaderElectedPayload {
	t.Helper()
	msgs := tr.OfType(protocol.MessageTypeLeaderElected)
	require.NotEmpty(t, msgs)
	var p protocol.LeaderElectedPayload
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &p))
	return p
}

func TestElection_HighestVisibilityWinsThenFailsOverBySeq(t *testing.T) {
	env := setup(t, election.DefaultConfig())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	env.connect(t, "C", "u1", "d1", "tc")

	for id, vis := range map[string]connections.Visibility{
		"A": connections.VisibilityHidden,
		"B": connections.VisibilityActive,
		"C": connections.VisibilityVisible,
	} {
		res, err := env.coordinator.RegisterTab(id, election.Registration{DeviceID: "d1", Visibility: vis})
		require.NoError(t, err)
		assert.Equal(t, election.StatusElecting, res.Status)
	}

	env.clock.Advance(election.DefaultConfig().ElectionDelay)
	require.Eventually(t, func() bool {
		info, ok := env.coordinator.Leader("u1", "d1")
		return ok && info.State == election.Led
	}, time.Second, 5*time.Millisecond)

	info, _ := env.coordinator.Leader("u1", "d1")
	assert.Equal(t, "B", info.LeaderID)
	assert.Equal(t, "tb", info.LeaderTabID)
	assert.Equal(t, uint64(1), info.Generation)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, "B", lastElected(t, env.transports[id]).LeaderID, id)
	}

	env.disconnect("B")

	info, _ = env.coordinator.Leader("u1", "d1")
	assert.Equal(t, "A", info.LeaderID)
	assert.Equal(t, uint64(2), info.Generation)
	p := lastElected(t, env.transports["C"])
	assert.Equal(t, "A", p.LeaderID)
	assert.Equal(t, "B", p.PreviousLeaderID)
	assert.Equal(t, election.ReasonDisconnect, p.Reason)
	assert.True(t, env.coordinator.IsLeader("A"))
	assert.False(t, env.coordinator.IsLeader("C"))
}

func TestElection_CandidateLeavingBeforeTimerFires(t *testing.T) {
	env := setup(t, election.DefaultConfig())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")

	_, err := env.coordinator.RegisterTab("A", election.Registration{Visibility: connections.VisibilityHidden})
	require.NoError(t, err)
	_, err = env.coordinator.RegisterTab("B", election.Registration{Visibility: connections.VisibilityActive})
	require.NoError(t, err)
	env.disconnect("B")

	env.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		info, _ := env.coordinator.Leader("u1", "d1")
		return info.State == election.Led
	}, time.Second, 5*time.Millisecond)
	info, _ := env.coordinator.Leader("u1", "d1")
	assert.Equal(t, "A", info.LeaderID)
}

func TestElection_LateRegistrationLearnsLeader(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")

	res, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)
	assert.Equal(t, election.StatusLeader, res.Status)

	res, err = env.coordinator.RegisterTab("B", election.Registration{Visibility: connections.VisibilityActive})
	require.NoError(t, err)
	assert.Equal(t, election.StatusFollower, res.Status)
	assert.Equal(t, "A", res.LeaderID)
	p := lastElected(t, env.transports["B"])
	assert.Equal(t, "A", p.LeaderID)
	assert.Equal(t, election.ReasonExisting, p.Reason)

	res, err = env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)
	assert.Equal(t, election.StatusLeader, res.Status)
	assert.Equal(t, uint64(1), res.Generation)
}

func TestElection_ForceHandoff(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	res, err := env.coordinator.RegisterTab("B", election.Registration{Force: true})
	require.NoError(t, err)
	assert.Equal(t, election.StatusLeader, res.Status)
	assert.Equal(t, uint64(2), res.Generation)

	p := lastElected(t, env.transports["A"])
	assert.Equal(t, "B", p.LeaderID)
	assert.Equal(t, "A", p.PreviousLeaderID)
	assert.Equal(t, election.ReasonForced, p.Reason)

	out, err := env.coordinator.ForceElect("B")
	require.NoError(t, err)
	assert.Equal(t, election.ReasonExisting, out.Reason)
	assert.Equal(t, uint64(2), out.Generation)

	out, err = env.coordinator.ForceElect("A")
	require.NoError(t, err)
	assert.Equal(t, "A", out.LeaderID)
	assert.Equal(t, uint64(3), out.Generation)

	_, err = env.coordinator.ForceElect("missing")
	assert.ErrorIs(t, err, connections.ErrConnectionNotFound)
}

func TestElection_HeartbeatTimeout(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)
	_, err = env.coordinator.RegisterTab("B", election.Registration{})
	require.NoError(t, err)

	env.clock.Advance(10 * time.Second)
	require.NoError(t, env.coordinator.Heartbeat("A", 1))
	assert.ErrorIs(t, env.coordinator.Heartbeat("B", 1), election.ErrNotLeader)

	env.clock.Advance(14 * time.Second)
	env.coordinator.CheckHeartbeats()
	info, _ := env.coordinator.Leader("u1", "d1")
	assert.Equal(t, "A", info.LeaderID, "within 3 missed intervals")

	env.clock.Advance(2 * time.Second)
	env.coordinator.CheckHeartbeats()
	info, _ = env.coordinator.Leader("u1", "d1")
	assert.Equal(t, "B", info.LeaderID)
	assert.Equal(t, uint64(2), info.Generation)
	assert.Equal(t, election.ReasonHeartbeatTimeout, lastElected(t, env.transports["A"]).Reason)

	err = env.coordinator.Heartbeat("A", 1)
	assert.ErrorIs(t, err, election.ErrStaleGeneration)
	assert.ErrorIs(t, env.coordinator.Heartbeat("A", 2), election.ErrNotLeader)
}

func TestElection_StartRunsHeartbeatChecks(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	ctx := t.Context()
	go env.coordinator.Start(ctx)
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))

	for range 4 {
		env.clock.Advance(5 * time.Second)
	}
	require.Eventually(t, func() bool {
		return env.coordinator.IsLeader("B")
	}, time.Second, 5*time.Millisecond)
}

func TestElection_NoCandidatesFails(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "W", "u2", "d9", "tw")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	env.disconnect("A")

	// nothing is left on the device, so the key is dropped
	_, ok := env.coordinator.Leader("u1", "d1")
	assert.False(t, ok)

	outcomes := env.recorded()
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[1].Failed)
	assert.Equal(t, uint64(2), outcomes[1].Generation)
	assert.Equal(t, "A", outcomes[1].PreviousLeaderID)
	assert.Empty(t, env.transports["W"].OfType(protocol.MessageTypeLeaderFailed), "other users are not told")

	// a new tab starts a fresh election
	env.connect(t, "A2", "u1", "d1", "ta2")
	res, err := env.coordinator.RegisterTab("A2", election.Registration{})
	require.NoError(t, err)
	assert.Equal(t, election.StatusLeader, res.Status)
	assert.Equal(t, uint64(3), res.Generation)
}

func TestElection_FallsBackToSameUserOtherDevice(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "X", "u1", "d2", "tx")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	env.disconnect("A")

	info, _ := env.coordinator.Leader("u1", "d1")
	assert.Equal(t, election.Led, info.State)
	assert.Equal(t, "X", info.LeaderID)
	p := lastElected(t, env.transports["X"])
	assert.Equal(t, "d1", p.DeviceID)
	assert.Equal(t, "X", p.LeaderID)
}

func TestElection_BeaconIsIdempotent(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	now := env.clock.Now()
	assert.False(t, env.coordinator.TabClosingByTab("u2", "d1", "ta", now), "another user's device of the same name")
	assert.True(t, env.coordinator.TabClosingByTab("u1", "d1", "ta", now))
	assert.False(t, env.coordinator.TabClosingByTab("u1", "d1", "ta", now))
	assert.False(t, env.coordinator.TabClosingByTab("u1", "d1", "unknown", now))

	// the socket closing afterwards changes nothing
	env.disconnect("A")
	info, _ := env.coordinator.Leader("u1", "d1")
	assert.Equal(t, "B", info.LeaderID)
	assert.Equal(t, uint64(2), info.Generation)
	assert.Equal(t, election.ReasonTabClosing, lastElected(t, env.transports["B"]).Reason)
}

func TestElection_TabClosingMessage(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	env.coordinator.TabClosing("B")
	assert.True(t, env.coordinator.IsLeader("A"), "follower closing does not trigger failover")

	env.coordinator.TabClosing("A")
	assert.True(t, env.coordinator.IsLeader("B"))
}

func TestElection_QueuedUntilAuthenticated(t *testing.T) {
	env := setup(t, immediate())
	_, err := env.conns.Add("A", conntest.NewTransport())
	require.NoError(t, err)

	res, err := env.coordinator.RegisterTab("A", election.Registration{TabID: "ta", Visibility: connections.VisibilityActive})
	require.NoError(t, err)
	assert.Equal(t, election.StatusQueued, res.Status)
	_, ok := env.coordinator.Leader("u1", "d1")
	assert.False(t, ok)

	_, err = env.conns.Authenticate("A", connections.Identity{UserID: "u1", DeviceID: "d1", TabID: "ta"})
	require.NoError(t, err)
	results := env.coordinator.ReplayPending("A")
	require.Len(t, results, 1)
	assert.Equal(t, election.StatusLeader, results[0].Status)
	assert.Empty(t, env.coordinator.ReplayPending("A"))

	_, err = env.coordinator.RegisterTab("ghost", election.Registration{})
	assert.ErrorIs(t, err, connections.ErrConnectionNotFound)
}

func TestElection_ValidateGeneration(t *testing.T) {
	env := setup(t, immediate())
	assert.NoError(t, env.coordinator.ValidateGeneration("u1", "d1", 0))

	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "B", "u1", "d1", "tb")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)
	_, err = env.coordinator.ForceElect("B")
	require.NoError(t, err)

	assert.ErrorIs(t, env.coordinator.ValidateGeneration("u1", "d1", 1), election.ErrStaleGeneration)
	assert.NoError(t, env.coordinator.ValidateGeneration("u1", "d1", 2))
}

func TestElection_GenerationsStrictlyIncrease(t *testing.T) {
	env := setup(t, immediate())
	for _, id := range []string{"A", "B", "C"} {
		env.connect(t, id, "u1", "d1", "t"+id)
		_, err := env.coordinator.RegisterTab(id, election.Registration{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C", "A", "B", "C"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.coordinator.ForceElect(id)
		}()
	}
	wg.Wait()
	env.disconnect("A")
	env.disconnect("B")
	env.disconnect("C")

	outcomes := env.recorded()
	require.NotEmpty(t, outcomes)
	seen := make(map[uint64]bool)
	var highest uint64
	for _, o := range outcomes {
		assert.False(t, seen[o.Generation], "generation %d announced twice", o.Generation)
		seen[o.Generation] = true
		highest = max(highest, o.Generation)
	}
	assert.Equal(t, uint64(len(outcomes)), highest)
	assert.True(t, outcomes[len(outcomes)-1].Failed)
	_, ok := env.coordinator.Leader("u1", "d1")
	assert.False(t, ok)
}

func TestElection_ConcurrentRegistrationsElectOneLeader(t *testing.T) {
	for name, cfg := range map[string]election.Config{
		"immediate": immediate(),
		"settled":   election.DefaultConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			env := setup(t, cfg)
			ids := make([]string, 20)
			for i := range ids {
				ids[i] = fmt.Sprintf("c%02d", i)
				env.connect(t, ids[i], "u1", "d1", "t"+ids[i])
			}

			var wg sync.WaitGroup
			start := make(chan struct{})
			for _, id := range ids {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := env.coordinator.RegisterTab(id, election.Registration{Visibility: connections.VisibilityVisible})
					assert.NoError(t, err)
				}()
			}
			close(start)
			wg.Wait()
			env.clock.Advance(cfg.ElectionDelay)

			require.Eventually(t, func() bool {
				info, ok := env.coordinator.Leader("u1", "d1")
				return ok && info.State == election.Led
			}, time.Second, 5*time.Millisecond)

			leaders := 0
			for _, id := range ids {
				if env.coordinator.IsLeader(id) {
					leaders++
				}
			}
			assert.Equal(t, 1, leaders)

			outcomes := env.recorded()
			require.Len(t, outcomes, 1)
			assert.Equal(t, election.ReasonElected, outcomes[0].Reason)
			for _, id := range ids {
				assert.Equal(t, outcomes[0].LeaderID, lastElected(t, env.transports[id]).LeaderID, id)
			}
		})
	}
}

func TestElection_SettleKeepsLeadershipOnDevice(t *testing.T) {
	env := setup(t, election.DefaultConfig())
	env.connect(t, "A", "u1", "d1", "ta")
	env.connect(t, "X", "u1", "d2", "tx")

	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)
	env.disconnect("A")
	env.clock.Advance(election.DefaultConfig().ElectionDelay)

	require.Eventually(t, func() bool {
		return len(env.recorded()) == 1
	}, time.Second, 5*time.Millisecond)

	outcome := env.recorded()[0]
	assert.True(t, outcome.Failed)
	assert.Equal(t, election.ReasonNoCandidates, outcome.Reason)
	assert.False(t, env.coordinator.IsLeader("X"))
	assert.Empty(t, env.transports["X"].OfType(protocol.MessageTypeLeaderElected))
	assert.Len(t, env.transports["X"].OfType(protocol.MessageTypeLeaderFailed), 1)
	_, ok := env.coordinator.Leader("u1", "d1")
	assert.False(t, ok)
}

func TestElection_StateDroppedWhenDeviceEmpties(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)

	// A stops heartbeating but stays connected: the key remains, unelected
	env.clock.Advance(16 * time.Second)
	env.coordinator.CheckHeartbeats()
	info, ok := env.coordinator.Leader("u1", "d1")
	require.True(t, ok)
	assert.Equal(t, election.Unelected, info.State)
	failedAt := info.Generation

	env.disconnect("A")
	_, ok = env.coordinator.Leader("u1", "d1")
	assert.False(t, ok)

	// a stale leader message for the dropped key cannot pass a later election
	env.connect(t, "A2", "u1", "d1", "ta2")
	res, err := env.coordinator.RegisterTab("A2", election.Registration{})
	require.NoError(t, err)
	assert.Greater(t, res.Generation, failedAt)
	assert.ErrorIs(t, env.coordinator.ValidateGeneration("u1", "d1", failedAt), election.ErrStaleGeneration)
}

func TestElection_StaleBeaconIgnored(t *testing.T) {
	env := setup(t, immediate())
	env.connect(t, "A", "u1", "d1", "ta")
	_, err := env.coordinator.RegisterTab("A", election.Registration{})
	require.NoError(t, err)
	closingSentAt := env.clock.Now()

	// the tab reloads: the old socket drops and the new one wins
	env.disconnect("A")
	env.clock.Advance(2 * time.Second)
	env.connect(t, "A2", "u1", "d1", "ta")
	_, err = env.coordinator.RegisterTab("A2", election.Registration{})
	require.NoError(t, err)

	assert.False(t, env.coordinator.TabClosingByTab("u1", "d1", "ta", closingSentAt))
	assert.True(t, env.coordinator.IsLeader("A2"))

	assert.True(t, env.coordinator.TabClosingByTab("u1", "d1", "ta", env.clock.Now()))
	assert.False(t, env.coordinator.IsLeader("A2"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unelected", election.Unelected.String())
	assert.Equal(t, "electing", election.Electing.String())
	assert.Equal(t, "led", election.Led.String())
}
