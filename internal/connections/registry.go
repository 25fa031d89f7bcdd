package connections

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

// DefaultRestoreWindow is how long a dropped connection's rooms are remembered
const DefaultRestoreWindow = 2 * time.Minute

// Config holds registry settings
type Config struct {
	RestoreWindow time.Duration `yaml:"restore_window" env:"CONNECTIONS_RESTORE_WINDOW"`
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

type deviceKey struct {
	userID   string
	deviceID string
}

// Registry tracks live connections and indexes them by user and device
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	byDevice map[deviceKey]map[string]*Connection
	byUser   map[string]map[string]*Connection

	seq       atomic.Uint64
	snapshots *ttlcache.Cache[string, []string]
	clock     clockwork.Clock
	logger    *slogging.Logger
}

// New creates an empty registry
func New(cfg Config, opts ...Option) *Registry {
	if cfg.RestoreWindow <= 0 {
		cfg.RestoreWindow = DefaultRestoreWindow
	}
	r := &Registry{
		conns:    make(map[string]*Connection),
		byDevice: make(map[deviceKey]map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		snapshots: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](cfg.RestoreWindow),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
		clock:  clockwork.NewRealClock(),
		logger: slogging.Get(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs expiry of remembered memberships until ctx is done
func (r *Registry) Start(ctx context.Context) {
	go r.snapshots.Start()
	<-ctx.Done()
	r.snapshots.Stop()
}

// Add registers a new, unauthenticated connection
func (r *Registry) Add(id string, transport Transport) (*Connection, error) {
	now := r.clock.Now()
	conn := &Connection{
		ID:           id,
		ConnectedAt:  now,
		transport:    transport,
		seq:          r.seq.Add(1),
		visibility:   VisibilityHidden,
		lastActivity: now,
		rooms:        make(map[string]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("connection %s already registered", id)
	}
	r.conns[id] = conn
	return conn, nil
}

// Authenticate attaches identity to a connection and returns the rooms remembered
// from an earlier connection with the same user, device and tab, if any. A
// connection keeps its first identity: repeating it is a no-op and a different
// one yields ErrAlreadyAuthenticated.
func (r *Registry) Authenticate(connID string, identity Identity) ([]string, error) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	conn.mu.Lock()
	if current := conn.identity; current != nil {
		conn.mu.Unlock()
		r.mu.Unlock()
		if *current == identity {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrAlreadyAuthenticated, connID, current.UserID, current.DeviceID)
	}
	id := identity
	conn.identity = &id
	conn.lastActivity = r.clock.Now()
	conn.mu.Unlock()

	r.indexLocked(conn, identity)
	r.mu.Unlock()

	key := snapshotKey(identity)
	item := r.snapshots.Get(key)
	if item == nil {
		return nil, nil
	}
	r.snapshots.Delete(key)
	r.logger.Debug("Restoring %d rooms for user %s device %s tab %s", len(item.Value()), identity.UserID, identity.DeviceID, identity.TabID)
	return item.Value(), nil
}

// Deauthenticate detaches the identity from a live connection, undoing an
// Authenticate whose follow-up work failed
func (r *Registry) Deauthenticate(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	conn.mu.Lock()
	current := conn.identity
	conn.identity = nil
	conn.mu.Unlock()
	if current != nil {
		r.unindexLocked(conn, *current)
	}
}

// Remember stores rooms for a later Authenticate with the same identity
func (r *Registry) Remember(identity Identity, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	r.snapshots.Set(snapshotKey(identity), rooms, ttlcache.DefaultTTL)
}

// Remove drops a connection synchronously and returns it. The room memberships of
// an authenticated connection are remembered for the restore window.
func (r *Registry) Remove(connID string) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, connID)
	identity, authenticated := conn.Identity()
	if authenticated {
		r.unindexLocked(conn, identity)
	}
	r.mu.Unlock()

	if authenticated {
		r.Remember(identity, conn.Rooms())
	}
	return conn, true
}

// Get looks up a live connection
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ByDevice returns the authenticated connections of (userID, deviceID) in registration order
func (r *Registry) ByDevice(userID, deviceID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.byDevice[deviceKey{userID, deviceID}])
}

// ByUser returns every authenticated connection of userID in registration order
func (r *Registry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.byUser[userID])
}

// SendMessage encodes and sends a typed message to one connection
func (r *Registry) SendMessage(connID string, msgType protocol.MessageType, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return r.Send(connID, data)
}

// Send delivers a pre-encoded frame to one connection
func (r *Registry) Send(connID string, data []byte) error {
	conn, ok := r.Get(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.Send(data)
}

// All returns every live connection in registration order
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.conns)
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) indexLocked(conn *Connection, id Identity) {
	dk := deviceKey{id.UserID, id.DeviceID}
	if r.byDevice[dk] == nil {
		r.byDevice[dk] = make(map[string]*Connection)
	}
	r.byDevice[dk][conn.ID] = conn
	if r.byUser[id.UserID] == nil {
		r.byUser[id.UserID] = make(map[string]*Connection)
	}
	r.byUser[id.UserID][conn.ID] = conn
}

func (r *Registry) unindexLocked(conn *Connection, id Identity) {
	dk := deviceKey{id.UserID, id.DeviceID}
	delete(r.byDevice[dk], conn.ID)
	if len(r.byDevice[dk]) == 0 {
		delete(r.byDevice, dk)
	}
	delete(r.byUser[id.UserID], conn.ID)
	if len(r.byUser[id.UserID]) == 0 {
		delete(r.byUser, id.UserID)
	}
}

func sorted(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Connection) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func snapshotKey(id Identity) string {
	return id.UserID + "|" + id.DeviceID + "|" + id.TabID
}
