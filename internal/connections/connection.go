// Package connections is the process-local registry of live transport connections.
package connections

import (
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	// ErrConnectionNotFound is returned for ids the registry does not know
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionClosed is returned when sending to a connection whose transport is gone
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotAuthenticated is returned when an operation needs an identity the connection lacks
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrAlreadyAuthenticated is returned when a connection tries to switch identity
	ErrAlreadyAuthenticated = errors.New("connection already authenticated as another identity")
)

// Transport is the per-connection message channel
type Transport interface {
	// Send queues a frame; it returns ErrConnectionClosed once the channel is gone
	Send(data []byte) error
	Close() error
}

// Visibility ranks a tab for leader election
type Visibility int

const (
	VisibilityHidden  Visibility = 1
	VisibilityVisible Visibility = 2
	VisibilityActive  Visibility = 3
)

// VisibilityFrom maps tab flags to a visibility rank
func VisibilityFrom(isVisible, isActive bool) Visibility {
	switch {
	case isActive:
		return VisibilityActive
	case isVisible:
		return VisibilityVisible
	default:
		return VisibilityHidden
	}
}

func (v Visibility) String() string {
	switch v {
	case VisibilityActive:
		return "active"
	case VisibilityVisible:
		return "visible"
	default:
		return "hidden"
	}
}

// Identity is attached to a connection by authentication
type Identity struct {
	UserID    string
	DeviceID  string
	TabID     string
	SessionID string
	OrgID     string
	TeamID    string
}

// Connection is one tab's transport plus its session state
type Connection struct {
	ID          string
	ConnectedAt time.Time

	transport Transport
	seq       uint64

	mu           sync.RWMutex
	identity     *Identity
	visibility   Visibility
	lastActivity time.Time
	rooms        map[string]struct{}
}

// Seq is the registration order, used to break election ties deterministically
func (c *Connection) Seq() uint64 {
	return c.seq
}

// Identity returns the authenticated identity, if any
func (c *Connection) Identity() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// Authenticated reports whether an identity has been attached
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity != nil
}

// Visibility returns the last reported visibility
func (c *Connection) Visibility() Visibility {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibility
}

// SetVisibility records a visibility change
func (c *Connection) SetVisibility(v Visibility) {
	c.mu.Lock()
	c.visibility = v
	c.mu.Unlock()
}

// Touch records activity at t
func (c *Connection) Touch(t time.Time) {
	c.mu.Lock()
	c.lastActivity = t
	c.mu.Unlock()
}

// LastActivity returns the last recorded activity time
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// AddRoom records a room membership
func (c *Connection) AddRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// RemoveRoom forgets a room membership
func (c *Connection) RemoveRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// InRoom reports whether the connection has joined room
func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns the joined rooms in sorted order
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Send writes a frame to the transport
func (c *Connection) Send(data []byte) error {
	return c.transport.Send(data)
}

// Close closes the transport
func (c *Connection) Close() error {
	return c.transport.Close()
}
