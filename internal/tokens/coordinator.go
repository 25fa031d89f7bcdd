// Package tokens keeps session token refresh on the leader connection of each
// (user, device) and fans the result out to the session's other connections.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/election"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/propagation"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

var (
	// ErrNotTracked means no token is known for the session
	ErrNotTracked = errors.New("no token tracked for session")
	// ErrSessionNotFound is the not-found signal of the session collaborator
	ErrSessionNotFound = errors.New("session document not found")
)

// Config holds refresh timing
type Config struct {
	// WarnBefore is the lead time for token:expiring
	WarnBefore    time.Duration `yaml:"warn_before" env:"TOKENS_WARN_BEFORE"`
	CheckInterval time.Duration `yaml:"check_interval" env:"TOKENS_CHECK_INTERVAL"`
	// GraceWindow is how long a follower waits for the leader before taking over
	GraceWindow time.Duration `yaml:"grace_window" env:"TOKENS_GRACE_WINDOW"`
	Retry       retry.Config  `yaml:"retry"`
}

// DefaultConfig warns five minutes ahead and gives the leader three seconds
func DefaultConfig() Config {
	return Config{
		WarnBefore:    5 * time.Minute,
		CheckInterval: 30 * time.Second,
		GraceWindow:   3 * time.Second,
		Retry:         retry.DefaultConfig(),
	}
}

// Record is the coordinator's view of one session token
type Record struct {
	UserID      string
	DeviceID    string
	SessionID   string
	ExpiresAt   time.Time
	Warned      bool
	Generation  uint64
	RefreshedBy string
	RefreshedAt time.Time
}

// RefreshRequest identifies the session whose token is reissued
type RefreshRequest struct {
	UserID    string
	DeviceID  string
	SessionID string
}

// RefreshResult is a reissued token
type RefreshResult struct {
	Token     string
	ExpiresAt time.Time
}

// Refresher reissues session tokens
type Refresher interface {
	Refresh(ctx context.Context, req RefreshRequest) (RefreshResult, error)
}

// SessionDocument is the persisted session as seen by this package
type SessionDocument struct {
	ID                string
	UserID            string
	DeviceID          string
	ExpiresAt         time.Time
	RefreshGeneration uint64
	LastRefreshedBy   string
}

// Sessions loads and saves session documents; LoadSession returns
// ErrSessionNotFound when there is none
type Sessions interface {
	LoadSession(ctx context.Context, id string) (*SessionDocument, error)
	SaveSession(ctx context.Context, doc *SessionDocument) error
}

// Election is the part of the election coordinator used here
type Election interface {
	IsLeader(connID string) bool
	Leader(userID, deviceID string) (election.LeaderInfo, bool)
	ForceElect(connID string) (election.Outcome, error)
}

// Connections is the part of the connection registry used here
type Connections interface {
	Get(connID string) (*connections.Connection, bool)
	SendMessage(connID string, msgType protocol.MessageType, payload any) error
}

// Events emits and observes propagated events
type Events interface {
	Emit(ctx context.Context, req propagation.Request) (*propagation.Receipt, error)
	Subscribe(eventType string, fn propagation.Handler)
}

// Metrics observes refresh attempts
type Metrics interface {
	TokenRefreshed(ctx context.Context, result string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) TokenRefreshed(context.Context, string, time.Duration) {}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithMetrics reports refresh outcomes to m
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSessions saves refreshed expiries through s
func WithSessions(s Sessions) Option {
	return func(c *Coordinator) { c.sessions = s }
}

// Coordinator tracks token expiries and runs leader-only refreshes
type Coordinator struct {
	election  Election
	conns     Connections
	events    Events
	refresher Refresher
	sessions  Sessions
	metrics   Metrics
	cfg       Config
	clock     clockwork.Clock
	logger    *slogging.Logger

	group singleflight.Group

	mu      sync.Mutex
	records map[string]*Record
	waiters map[string][]chan struct{}
}

// New creates a coordinator and subscribes it to token:expiring
func New(el Election, conns Connections, events Events, refresher Refresher, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.WarnBefore <= 0 {
		cfg.WarnBefore = def.WarnBefore
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	c := &Coordinator{
		election:  el,
		conns:     conns,
		events:    events,
		refresher: refresher,
		metrics:   noopMetrics{},
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		logger:    slogging.Get(),
		records:   make(map[string]*Record),
		waiters:   make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	events.Subscribe(string(protocol.MessageTypeTokenExpiring), c.onExpiring)
	return c
}

func sessionKey(id connections.Identity) string {
	if id.SessionID != "" {
		return id.SessionID
	}
	return id.DeviceID
}

// Track records the expiry of the identity's session token. A later expiry
// replaces the record and clears its warned flag; an earlier one is ignored.
func (c *Coordinator) Track(id connections.Identity, expiresAt time.Time) Record {
	k := sessionKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[k]
	if !ok {
		rec = &Record{UserID: id.UserID, DeviceID: id.DeviceID, SessionID: k}
		c.records[k] = rec
	}
	if expiresAt.After(rec.ExpiresAt) {
		rec.ExpiresAt = expiresAt
		rec.Warned = false
	}
	return *rec
}

// TrackToken is Track with the expiry read from a raw JWT
func (c *Coordinator) TrackToken(id connections.Identity, raw string) (Record, error) {
	exp, err := ExpiryFromJWT(raw)
	if err != nil {
		return Record{}, err
	}
	return c.Track(id, exp), nil
}

// Lookup returns the record for a session
func (c *Coordinator) Lookup(sessionID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Forget drops a session's record
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.records, sessionID)
	c.mu.Unlock()
}

// CheckExpiries emits token:expiring once for every token within the warning
// lead time and returns how many were emitted
func (c *Coordinator) CheckExpiries(ctx context.Context) int {
	now := c.clock.Now()
	var due []Record
	c.mu.Lock()
	for _, rec := range c.records {
		if !rec.Warned && rec.ExpiresAt.Sub(now) <= c.cfg.WarnBefore {
			rec.Warned = true
			due = append(due, *rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range due {
		_, err := c.events.Emit(ctx, propagation.Request{
			Type: string(protocol.MessageTypeTokenExpiring),
			Payload: protocol.TokenExpiringPayload{
				UserID:    rec.UserID,
				DeviceID:  rec.DeviceID,
				SessionID: rec.SessionID,
				ExpiresAt: rec.ExpiresAt,
			},
			Origin:    hierarchy.Session.Room(rec.SessionID),
			Direction: propagation.Down,
			Priority:  propagation.High,
		})
		if err != nil {
			c.logger.Warn("Failed to emit token:expiring for session %s: %v", rec.SessionID, err)
		}
	}
	return len(due)
}

// Start checks expiries every interval until ctx is done
func (c *Coordinator) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.CheckExpiries(ctx)
		}
	}
}

// onExpiring lets the current leader refresh as soon as the warning went out
func (c *Coordinator) onExpiring(ctx context.Context, ev propagation.Event) {
	var p protocol.TokenExpiringPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		c.logger.Debug("Ignoring malformed token:expiring payload: %v", err)
		return
	}
	info, ok := c.election.Leader(p.UserID, p.DeviceID)
	if !ok || info.State != election.Led {
		c.logger.Debug("No leader for user %s device %s; waiting for a follower request", p.UserID, p.DeviceID)
		return
	}
	if _, err := c.Refresh(ctx, info.LeaderID); err != nil {
		c.logger.Warn("Leader refresh for session %s failed: %v", p.SessionID, err)
	}
}

// Refresh reissues the token of connID's session. Only the leader may refresh;
// concurrent refreshes of one session share a single call.
func (c *Coordinator) Refresh(ctx context.Context, connID string) (Record, error) {
	identity, err := c.identity(connID)
	if err != nil {
		return Record{}, err
	}
	if !c.election.IsLeader(connID) {
		return Record{}, fmt.Errorf("refresh from %s: %w", connID, election.ErrNotLeader)
	}

	k := sessionKey(identity)
	v, err, shared := c.group.Do(k, func() (any, error) {
		return c.refresh(ctx, connID, identity, k)
	})
	if shared {
		c.logger.Debug("Refresh of session %s joined an in-flight call", k)
	}
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (c *Coordinator) refresh(ctx context.Context, connID string, identity connections.Identity, k string) (Record, error) {
	start := c.clock.Now()
	res, err := retry.DoValue(ctx, c.cfg.Retry, "refresh token", func() (RefreshResult, error) {
		return c.refresher.Refresh(ctx, RefreshRequest{UserID: identity.UserID, DeviceID: identity.DeviceID, SessionID: k})
	})
	if err != nil {
		c.metrics.TokenRefreshed(ctx, "failed", c.clock.Since(start))
		return Record{}, fmt.Errorf("refresh session %s: %w", k, err)
	}
	c.metrics.TokenRefreshed(ctx, "refreshed", c.clock.Since(start))

	now := c.clock.Now()
	c.mu.Lock()
	rec, ok := c.records[k]
	if !ok {
		rec = &Record{UserID: identity.UserID, DeviceID: identity.DeviceID, SessionID: k}
		c.records[k] = rec
	}
	rec.ExpiresAt = res.ExpiresAt
	rec.Warned = false
	rec.Generation++
	rec.RefreshedBy = connID
	rec.RefreshedAt = now
	out := *rec
	waiters := c.waiters[k]
	delete(c.waiters, k)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	c.saveSession(ctx, out)

	_, err = c.events.Emit(ctx, propagation.Request{
		Type: string(protocol.MessageTypeTokenRefreshed),
		Payload: protocol.TokenRefreshedPayload{
			UserID:      out.UserID,
			DeviceID:    out.DeviceID,
			SessionID:   out.SessionID,
			ExpiresAt:   out.ExpiresAt,
			Generation:  out.Generation,
			RefreshedBy: connID,
			Token:       res.Token,
		},
		Origin:    hierarchy.Session.Room(k),
		Direction: propagation.Down,
		Priority:  propagation.Critical,
	})
	if err != nil {
		c.logger.Warn("Refreshed session %s but token:refreshed failed: %v", k, err)
	}

	c.logger.Info("Refreshed token for session %s by %s, expires %s (generation %d)",
		k, connID, out.ExpiresAt.Format(time.RFC3339), out.Generation)
	return out, nil
}

func (c *Coordinator) saveSession(ctx context.Context, rec Record) {
	if c.sessions == nil {
		return
	}
	doc, err := c.sessions.LoadSession(ctx, rec.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		doc = &SessionDocument{ID: rec.SessionID, UserID: rec.UserID, DeviceID: rec.DeviceID}
	case err != nil:
		c.logger.Error("Failed to load session %s: %v", rec.SessionID, err)
		return
	}
	doc.ExpiresAt = rec.ExpiresAt
	doc.RefreshGeneration = rec.Generation
	doc.LastRefreshedBy = rec.RefreshedBy
	if err := c.sessions.SaveSession(ctx, doc); err != nil {
		c.logger.Error("Failed to save session %s: %v", rec.SessionID, err)
	}
}

// RequestRefresh handles a refresh request from any connection. The leader
// refreshes directly. A follower asks the leader and waits the grace window;
// if no refresh lands in time it force-elects itself and refreshes.
func (c *Coordinator) RequestRefresh(ctx context.Context, connID, reason string) (Record, error) {
	identity, err := c.identity(connID)
	if err != nil {
		return Record{}, err
	}
	if c.election.IsLeader(connID) {
		return c.Refresh(ctx, connID)
	}

	k := sessionKey(identity)
	if info, ok := c.election.Leader(identity.UserID, identity.DeviceID); ok && info.State == election.Led {
		done := c.wait(k)
		err := c.conns.SendMessage(info.LeaderID, protocol.MessageTypeTokenRefreshRequested, protocol.TokenRefreshRequestedPayload{
			RequestedBy: connID,
			SessionID:   k,
		})
		if err == nil {
			c.logger.Debug("Asked leader %s to refresh session %s for %s (%s)", info.LeaderID, k, connID, reason)
			timer := c.clock.NewTimer(c.cfg.GraceWindow)
			select {
			case <-done:
				timer.Stop()
				if rec, ok := c.Lookup(k); ok {
					return rec, nil
				}
			case <-timer.Chan():
				c.logger.Info("Leader %s did not refresh session %s within %v", info.LeaderID, k, c.cfg.GraceWindow)
			case <-ctx.Done():
				timer.Stop()
				c.cancelWait(k, done)
				return Record{}, ctx.Err()
			}
		}
		c.cancelWait(k, done)
	}

	if _, err := c.election.ForceElect(connID); err != nil {
		return Record{}, fmt.Errorf("take over refresh for %s: %w", connID, err)
	}
	return c.Refresh(ctx, connID)
}

func (c *Coordinator) wait(k string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[k] = append(c.waiters[k], ch)
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) cancelWait(k string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[k]
	for i, w := range list {
		if w == ch {
			c.waiters[k] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[k]) == 0 {
		delete(c.waiters, k)
	}
}

func (c *Coordinator) identity(connID string) (connections.Identity, error) {
	conn, ok := c.conns.Get(connID)
	if !ok {
		return connections.Identity{}, fmt.Errorf("%w: %s", connections.ErrConnectionNotFound, connID)
	}
	identity, ok := conn.Identity()
	if !ok {
		return connections.Identity{}, connections.ErrNotAuthenticated
	}
	return identity, nil
}
