// Package election elects one leader connection per (user, device).
//
// Each key moves Unelected → Electing → Led, and Led → Led on a forced handoff.
// Every outcome, including failure to find a candidate, assigns the key a new
// generation so late messages tagged with an older generation can be discarded.
// Generations come from one coordinator-wide counter, so a key that is dropped
// once it has no connections never reuses a generation when it comes back.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

var (
	// ErrLeaderElectionFailed means no candidate remained for a (user, device)
	ErrLeaderElectionFailed = errors.New("leader election failed")
	// ErrStaleGeneration is returned for messages tagged with an outdated generation
	ErrStaleGeneration = errors.New("stale election generation")
	// ErrNotLeader is returned when a leader-only action comes from a follower
	ErrNotLeader = errors.New("connection is not the leader")
)

// Election reasons carried in leader:elected and leader:failed
const (
	ReasonElected          = "elected"
	ReasonExisting         = "existing"
	ReasonForced           = "forced"
	ReasonTabClosing       = "tab_closing"
	ReasonDisconnect       = "disconnect"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonNoCandidates     = "no_candidates"
)

// State of a (user, device) key
type State int

const (
	Unelected State = iota
	Electing
	Led
)

func (s State) String() string {
	switch s {
	case Electing:
		return "electing"
	case Led:
		return "led"
	default:
		return "unelected"
	}
}

// Config holds election timing
type Config struct {
	// ElectionDelay lets near-simultaneous registrations settle before picking a leader
	ElectionDelay     time.Duration `yaml:"election_delay" env:"ELECTION_DELAY"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"ELECTION_HEARTBEAT_INTERVAL"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats" env:"ELECTION_MISSED_HEARTBEATS"`
}

// DefaultConfig returns a 150ms settle delay and a 3 × 5s heartbeat timeout
func DefaultConfig() Config {
	return Config{
		ElectionDelay:     150 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		MissedHeartbeats:  3,
	}
}

// Connections is the view of the connection registry the coordinator needs
type Connections interface {
	Get(connID string) (*connections.Connection, bool)
	ByDevice(userID, deviceID string) []*connections.Connection
	ByUser(userID string) []*connections.Connection
	SendMessage(connID string, msgType protocol.MessageType, payload any) error
}

// Registration is a register_tab request
type Registration struct {
	TabID      string
	DeviceID   string
	Visibility connections.Visibility
	Force      bool
}

// Status describes what happened to a registration
type Status int

const (
	StatusQueued Status = iota
	StatusElecting
	StatusLeader
	StatusFollower
)

// Result is returned from RegisterTab
type Result struct {
	Status     Status
	LeaderID   string
	Generation uint64
}

// Outcome is one election result for a key
type Outcome struct {
	UserID           string
	DeviceID         string
	LeaderID         string
	LeaderTabID      string
	PreviousLeaderID string
	Reason           string
	Generation       uint64
	Failed           bool
	At               time.Time
}

// LeaderInfo is a snapshot of a key's state
type LeaderInfo struct {
	State         State
	LeaderID      string
	LeaderTabID   string
	Generation    uint64
	LastHeartbeat time.Time
}

type key struct {
	userID   string
	deviceID string
}

type candidate struct {
	connID string
	tabID  string
}

type leaderState struct {
	key key

	mu            sync.Mutex
	state         State
	leaderID      string
	leaderTabID   string
	lastHeartbeat time.Time
	electedAt     time.Time
	generation    uint64
	candidates    []candidate
	timer         clockwork.Timer
	// removed is set once the state left the map; holders must look it up again
	removed bool
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// Coordinator runs the per-key election state machines
type Coordinator struct {
	conns  Connections
	cfg    Config
	clock  clockwork.Clock
	logger *slogging.Logger

	// mu guards the maps only; election state is guarded per key
	mu        sync.Mutex
	states    map[key]*leaderState
	pending   map[string][]Registration
	observers []func(Outcome)

	generations atomic.Uint64
}

// New creates a coordinator over the connection registry
func New(conns Connections, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ElectionDelay < 0 {
		cfg.ElectionDelay = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = def.MissedHeartbeats
	}
	c := &Coordinator{
		conns:   conns,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  slogging.Get(),
		states:  make(map[key]*leaderState),
		pending: make(map[string][]Registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn to be called after every outcome is announced
func (c *Coordinator) Subscribe(fn func(Outcome)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Coordinator) stateFor(k key, create bool) *leaderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[k]
	if !ok && create {
		st = &leaderState{key: k}
		c.states[k] = st
	}
	return st
}

// lockState returns the key's state with its mutex held, or nil when absent
// and create is false
func (c *Coordinator) lockState(k key, create bool) *leaderState {
	for {
		st := c.stateFor(k, create)
		if st == nil {
			return nil
		}
		st.mu.Lock()
		if !st.removed {
			return st
		}
		st.mu.Unlock()
	}
}

// pruneLocked drops an Unelected key once no connection of its device remains.
// Lock order is st.mu then c.mu.
func (c *Coordinator) pruneLocked(st *leaderState) {
	if st.removed || st.state != Unelected || len(c.conns.ByDevice(st.key.userID, st.key.deviceID)) > 0 {
		return
	}
	st.removed = true
	c.mu.Lock()
	if c.states[st.key] == st {
		delete(c.states, st.key)
	}
	c.mu.Unlock()
	c.logger.Debug("Dropped election state for user %s device %s", st.key.userID, st.key.deviceID)
}

func (c *Coordinator) nextGeneration() uint64 {
	return c.generations.Add(1)
}

func (c *Coordinator) snapshotStates() []*leaderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*leaderState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, st)
	}
	return out
}

// RegisterTab offers a connection as leader candidate for its (user, device).
// Registrations from unauthenticated connections are queued until ReplayPending.
func (c *Coordinator) RegisterTab(connID string, reg Registration) (Result, error) {
	conn, ok := c.conns.Get(connID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", connections.ErrConnectionNotFound, connID)
	}
	identity, ok := conn.Identity()
	if !ok {
		c.mu.Lock()
		c.pending[connID] = append(c.pending[connID], reg)
		c.mu.Unlock()
		c.logger.Debug("Queued tab registration for unauthenticated connection %s", connID)
		return Result{Status: StatusQueued}, nil
	}
	if reg.DeviceID != "" && reg.DeviceID != identity.DeviceID {
		c.logger.Warn("Connection %s registered for device %s but authenticated as device %s", connID, reg.DeviceID, identity.DeviceID)
	}
	tabID := reg.TabID
	if tabID == "" {
		tabID = identity.TabID
	}
	if reg.Visibility != 0 {
		conn.SetVisibility(reg.Visibility)
	}

	st := c.lockState(key{identity.UserID, identity.DeviceID}, true)

	var outcome *Outcome
	var result Result
	switch st.state {
	case Unelected:
		st.state = Electing
		st.candidates = []candidate{{connID: connID, tabID: tabID}}
		if c.cfg.ElectionDelay == 0 {
			outcome = c.finishLocked(st)
			result = c.resultLocked(st, connID)
			break
		}
		st.timer = c.clock.AfterFunc(c.cfg.ElectionDelay, func() { c.finishElection(st) })
		result = Result{Status: StatusElecting, Generation: st.generation}

	case Electing:
		if !hasCandidate(st.candidates, connID) {
			st.candidates = append(st.candidates, candidate{connID: connID, tabID: tabID})
		}
		if reg.Force {
			st.stopTimer()
			outcome = c.electLocked(st, connID, tabID, ReasonForced)
			result = c.resultLocked(st, connID)
			break
		}
		result = Result{Status: StatusElecting, Generation: st.generation}

	case Led:
		switch {
		case st.leaderID == connID:
			st.lastHeartbeat = c.clock.Now()
		case reg.Force:
			outcome = c.electLocked(st, connID, tabID, ReasonForced)
		}
		result = c.resultLocked(st, connID)
	}

	current := Outcome{
		UserID:      identity.UserID,
		DeviceID:    identity.DeviceID,
		LeaderID:    st.leaderID,
		LeaderTabID: st.leaderTabID,
		Reason:      ReasonExisting,
		Generation:  st.generation,
		At:          c.clock.Now(),
	}
	st.mu.Unlock()

	if outcome != nil {
		c.announce(*outcome)
	} else if result.Status == StatusFollower {
		// tell the newcomer who currently leads
		c.send(connID, protocol.MessageTypeLeaderElected, leaderElectedPayload(current))
	}
	return result, nil
}

func (c *Coordinator) resultLocked(st *leaderState, connID string) Result {
	r := Result{LeaderID: st.leaderID, Generation: st.generation}
	switch {
	case st.state == Led && st.leaderID == connID:
		r.Status = StatusLeader
	case st.state == Led:
		r.Status = StatusFollower
	case st.state == Electing:
		r.Status = StatusElecting
	default:
		r.Status = StatusQueued
	}
	return r
}

func hasCandidate(cands []candidate, connID string) bool {
	for _, c := range cands {
		if c.connID == connID {
			return true
		}
	}
	return false
}

func (st *leaderState) stopTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// finishElection runs when the settle delay expires
func (c *Coordinator) finishElection(st *leaderState) {
	st.mu.Lock()
	if st.removed || st.state != Electing {
		st.mu.Unlock()
		return
	}
	outcome := c.finishLocked(st)
	st.mu.Unlock()
	if outcome != nil {
		c.announce(*outcome)
	}
}

// finishLocked picks the highest-visibility live candidate; ties go to the
// earliest registration. With none left it falls back to the device's other
// connections only; borrowing another device's tab is reserved for losing a leader.
func (c *Coordinator) finishLocked(st *leaderState) *Outcome {
	st.timer = nil
	var best *candidate
	bestRank := connections.Visibility(0)
	for i := range st.candidates {
		cand := &st.candidates[i]
		conn, ok := c.conns.Get(cand.connID)
		if !ok {
			continue
		}
		if rank := conn.Visibility(); best == nil || rank > bestRank {
			best, bestRank = cand, rank
		}
	}
	if best == nil {
		return c.failoverLocked(st, "", ReasonNoCandidates, false)
	}
	return c.electLocked(st, best.connID, best.tabID, ReasonElected)
}

// electLocked installs connID as leader and bumps the generation
func (c *Coordinator) electLocked(st *leaderState, connID, tabID, reason string) *Outcome {
	previous := st.leaderID
	st.stopTimer()
	st.state = Led
	st.leaderID = connID
	st.leaderTabID = tabID
	st.lastHeartbeat = c.clock.Now()
	st.electedAt = st.lastHeartbeat
	st.candidates = nil
	st.generation = c.nextGeneration()

	c.logger.Info("Elected leader %s (tab %s) for user %s device %s, generation %d, reason %s",
		connID, tabID, st.key.userID, st.key.deviceID, st.generation, reason)
	return &Outcome{
		UserID:           st.key.userID,
		DeviceID:         st.key.deviceID,
		LeaderID:         connID,
		LeaderTabID:      tabID,
		PreviousLeaderID: previous,
		Reason:           reason,
		Generation:       st.generation,
		At:               st.lastHeartbeat,
	}
}

// failoverLocked elects the first remaining connection of the same device, else
// of the same user when crossDevice is set, skipping outgoing. With no candidate
// the key returns to Unelected.
func (c *Coordinator) failoverLocked(st *leaderState, outgoing, reason string, crossDevice bool) *Outcome {
	pools := [][]*connections.Connection{c.conns.ByDevice(st.key.userID, st.key.deviceID)}
	if crossDevice {
		pools = append(pools, c.conns.ByUser(st.key.userID))
	}
	for _, pool := range pools {
		for _, conn := range pool {
			if conn.ID == outgoing {
				continue
			}
			identity, _ := conn.Identity()
			return c.electLocked(st, conn.ID, identity.TabID, reason)
		}
	}

	previous := st.leaderID
	st.stopTimer()
	st.state = Unelected
	st.leaderID = ""
	st.leaderTabID = ""
	st.candidates = nil
	st.generation = c.nextGeneration()

	err := fmt.Errorf("%w: user %s device %s (%s)", ErrLeaderElectionFailed, st.key.userID, st.key.deviceID, reason)
	c.logger.Warn("%v", err)
	c.pruneLocked(st)
	return &Outcome{
		UserID:           st.key.userID,
		DeviceID:         st.key.deviceID,
		PreviousLeaderID: previous,
		Reason:           reason,
		Generation:       st.generation,
		Failed:           true,
		At:               c.clock.Now(),
	}
}

// ForceElect makes connID the leader immediately, handing off from any current leader
func (c *Coordinator) ForceElect(connID string) (Outcome, error) {
	conn, ok := c.conns.Get(connID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", connections.ErrConnectionNotFound, connID)
	}
	identity, ok := conn.Identity()
	if !ok {
		return Outcome{}, connections.ErrNotAuthenticated
	}

	st := c.lockState(key{identity.UserID, identity.DeviceID}, true)
	if st.state == Led && st.leaderID == connID {
		current := Outcome{
			UserID: identity.UserID, DeviceID: identity.DeviceID,
			LeaderID: connID, LeaderTabID: st.leaderTabID,
			Reason: ReasonExisting, Generation: st.generation, At: c.clock.Now(),
		}
		st.mu.Unlock()
		return current, nil
	}
	outcome := c.electLocked(st, connID, identity.TabID, ReasonForced)
	st.mu.Unlock()

	c.announce(*outcome)
	return *outcome, nil
}

// Heartbeat records leader liveness. A non-zero generation older than the
// current one yields ErrStaleGeneration.
func (c *Coordinator) Heartbeat(connID string, generation uint64) error {
	conn, ok := c.conns.Get(connID)
	if !ok {
		return fmt.Errorf("%w: %s", connections.ErrConnectionNotFound, connID)
	}
	identity, ok := conn.Identity()
	if !ok {
		return connections.ErrNotAuthenticated
	}
	st := c.lockState(key{identity.UserID, identity.DeviceID}, false)
	if st == nil {
		return ErrNotLeader
	}
	defer st.mu.Unlock()
	if generation != 0 && generation < st.generation {
		c.logger.Debug("Ignoring heartbeat from %s with stale generation %d (current %d)", connID, generation, st.generation)
		return fmt.Errorf("%w: %d < %d", ErrStaleGeneration, generation, st.generation)
	}
	if st.state != Led || st.leaderID != connID {
		return ErrNotLeader
	}
	st.lastHeartbeat = c.clock.Now()
	return nil
}

// ValidateGeneration rejects generations older than the key's current one
func (c *Coordinator) ValidateGeneration(userID, deviceID string, generation uint64) error {
	st := c.lockState(key{userID, deviceID}, false)
	if st == nil {
		return nil
	}
	current := st.generation
	st.mu.Unlock()
	if generation < current {
		c.logger.Debug("Discarding message for user %s device %s with stale generation %d (current %d)", userID, deviceID, generation, current)
		return fmt.Errorf("%w: %d < %d", ErrStaleGeneration, generation, current)
	}
	return nil
}

// CheckHeartbeats fails over every leader silent for longer than
// MissedHeartbeats × HeartbeatInterval
func (c *Coordinator) CheckHeartbeats() {
	timeout := time.Duration(c.cfg.MissedHeartbeats) * c.cfg.HeartbeatInterval
	now := c.clock.Now()
	for _, st := range c.snapshotStates() {
		st.mu.Lock()
		var outcome *Outcome
		if st.state == Led && now.Sub(st.lastHeartbeat) > timeout {
			c.logger.Info("Leader %s for user %s device %s missed heartbeats (last %v ago)",
				st.leaderID, st.key.userID, st.key.deviceID, now.Sub(st.lastHeartbeat))
			outcome = c.failoverLocked(st, st.leaderID, ReasonHeartbeatTimeout, true)
		}
		st.mu.Unlock()
		if outcome != nil {
			c.announce(*outcome)
		}
	}
}

// Start checks heartbeats every interval until ctx is done
func (c *Coordinator) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.CheckHeartbeats()
		}
	}
}

// TabClosing handles an explicit tab_closing from a live connection
func (c *Coordinator) TabClosing(connID string) {
	conn, ok := c.conns.Get(connID)
	if !ok {
		return
	}
	identity, ok := conn.Identity()
	if !ok {
		c.dropPending(connID)
		return
	}
	c.release(key{identity.UserID, identity.DeviceID}, connID, ReasonTabClosing)
}

// TabClosingByTab handles the HTTP beacon for a tab of the user's device. It
// releases leadership only while that tab still leads and sentAt is not older
// than the current election, so a beacon arriving after the tab reconnected and
// won again is ignored. It reports whether a leader was released.
func (c *Coordinator) TabClosingByTab(userID, deviceID, tabID string, sentAt time.Time) bool {
	st := c.lockState(key{userID, deviceID}, false)
	if st == nil {
		return false
	}
	var outcome *Outcome
	switch {
	case st.state != Led || st.leaderTabID != tabID:
	case sentAt.Before(st.electedAt.Truncate(time.Millisecond)):
		c.logger.Debug("Ignoring tab closing beacon for tab %s sent at %s, before election at %s",
			tabID, sentAt.Format(time.RFC3339Nano), st.electedAt.Format(time.RFC3339Nano))
	default:
		outcome = c.failoverLocked(st, st.leaderID, ReasonTabClosing, true)
	}
	st.mu.Unlock()
	if outcome == nil {
		return false
	}
	c.announce(*outcome)
	return true
}

// ConnectionLost must be called after the connection left the registry
func (c *Coordinator) ConnectionLost(connID string, identity connections.Identity, authenticated bool) {
	c.dropPending(connID)
	if !authenticated {
		return
	}
	c.release(key{identity.UserID, identity.DeviceID}, connID, ReasonDisconnect)
}

func (c *Coordinator) release(k key, connID, reason string) {
	st := c.lockState(k, false)
	if st == nil {
		return
	}
	var outcome *Outcome
	switch {
	case st.state == Led && st.leaderID == connID:
		outcome = c.failoverLocked(st, connID, reason, true)
	case st.state == Electing:
		kept := st.candidates[:0]
		for _, cand := range st.candidates {
			if cand.connID != connID {
				kept = append(kept, cand)
			}
		}
		st.candidates = kept
	}
	c.pruneLocked(st)
	st.mu.Unlock()
	if outcome != nil {
		c.announce(*outcome)
	}
}

// ReplayPending runs registrations queued before the connection authenticated
func (c *Coordinator) ReplayPending(connID string) []Result {
	c.mu.Lock()
	queued := c.pending[connID]
	delete(c.pending, connID)
	c.mu.Unlock()

	results := make([]Result, 0, len(queued))
	for _, reg := range queued {
		res, err := c.RegisterTab(connID, reg)
		if err != nil {
			c.logger.Warn("Replaying tab registration for %s failed: %v", connID, err)
			continue
		}
		results = append(results, res)
	}
	return results
}

func (c *Coordinator) dropPending(connID string) {
	c.mu.Lock()
	delete(c.pending, connID)
	c.mu.Unlock()
}

// IsLeader reports whether connID currently leads its (user, device)
func (c *Coordinator) IsLeader(connID string) bool {
	conn, ok := c.conns.Get(connID)
	if !ok {
		return false
	}
	identity, ok := conn.Identity()
	if !ok {
		return false
	}
	info, ok := c.Leader(identity.UserID, identity.DeviceID)
	return ok && info.State == Led && info.LeaderID == connID
}

// Leader returns a snapshot of the key's state
func (c *Coordinator) Leader(userID, deviceID string) (LeaderInfo, bool) {
	st := c.lockState(key{userID, deviceID}, false)
	if st == nil {
		return LeaderInfo{}, false
	}
	defer st.mu.Unlock()
	return LeaderInfo{
		State:         st.state,
		LeaderID:      st.leaderID,
		LeaderTabID:   st.leaderTabID,
		Generation:    st.generation,
		LastHeartbeat: st.lastHeartbeat,
	}, true
}

// announce notifies every connection of the device, plus a leader borrowed from
// another device, and then the observers
func (c *Coordinator) announce(o Outcome) {
	if o.Failed {
		payload := protocol.LeaderFailedPayload{
			PreviousLeaderID: o.PreviousLeaderID,
			DeviceID:         o.DeviceID,
			Reason:           o.Reason,
			Generation:       o.Generation,
			Timestamp:        o.At,
		}
		for _, conn := range c.conns.ByUser(o.UserID) {
			c.send(conn.ID, protocol.MessageTypeLeaderFailed, payload)
		}
	} else {
		payload := leaderElectedPayload(o)
		notifiedLeader := false
		for _, conn := range c.conns.ByDevice(o.UserID, o.DeviceID) {
			c.send(conn.ID, protocol.MessageTypeLeaderElected, payload)
			notifiedLeader = notifiedLeader || conn.ID == o.LeaderID
		}
		if !notifiedLeader {
			c.send(o.LeaderID, protocol.MessageTypeLeaderElected, payload)
		}
	}

	c.mu.Lock()
	observers := append([]func(Outcome){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(o)
	}
}

func (c *Coordinator) send(connID string, msgType protocol.MessageType, payload any) {
	if err := c.conns.SendMessage(connID, msgType, payload); err != nil {
		c.logger.Debug("Dropped %s to %s: %v", msgType, connID, err)
	}
}

func leaderElectedPayload(o Outcome) protocol.LeaderElectedPayload {
	return protocol.LeaderElectedPayload{
		LeaderID:         o.LeaderID,
		LeaderTabID:      o.LeaderTabID,
		PreviousLeaderID: o.PreviousLeaderID,
		DeviceID:         o.DeviceID,
		Reason:           o.Reason,
		Generation:       o.Generation,
		Timestamp:        o.At,
	}
}
