package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/sessioncore/internal/roomstore"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

const (
	fieldType             = "type"
	fieldParent           = "parent"
	fieldOwner            = "owner_id"
	fieldCreatedAt        = "created_at"
	fieldLastActivity     = "last_activity"
	fieldAccessControlled = "access_controlled"
	fieldMetadata         = "metadata"
)

// Config controls traversal depth and the staleness sweep
type Config struct {
	MaxDepth      int           `yaml:"max_depth" env:"ROOMS_MAX_DEPTH"`
	StaleAfter    time.Duration `yaml:"stale_after" env:"ROOMS_STALE_AFTER"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"ROOMS_SWEEP_INTERVAL"`
}

// DefaultConfig returns depth 4, 24h staleness and a 10 minute sweep
func DefaultConfig() Config {
	return Config{
		MaxDepth:      4,
		StaleAfter:    24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// Registry is the single authority over room structure and membership
type Registry struct {
	store  *roomstore.Store
	cfg    Config
	clock  clockwork.Clock
	logger *slogging.Logger
}

// New creates a registry on top of the room store
func New(store *roomstore.Store, cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	r := &Registry{
		store:  store,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slogging.Get(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping reports whether the backing store is reachable
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// CreateRoomRequest describes a room to create
type CreateRoomRequest struct {
	ID               RoomID
	Parent           RoomID
	OwnerID          string
	Metadata         map[string]string
	AccessControlled bool
}

// CreateRoom creates the room if it does not exist and links it under its parent.
// An existing room keeps its original parent, owner and creation time; only its
// activity timestamp (and metadata, when given) is refreshed.
func (r *Registry) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error) {
	if err := req.ID.Validate(); err != nil {
		return nil, err
	}
	if req.Parent != "" {
		if err := req.Parent.Validate(); err != nil {
			return nil, err
		}
	}
	if !req.ID.Type().ValidParent(req.Parent.Type()) {
		return nil, fmt.Errorf("%w: %s cannot be a child of %q", ErrHierarchyViolation, req.ID, req.Parent)
	}
	if req.Parent != "" {
		if _, err := r.store.LoadRoom(ctx, string(req.Parent)); err != nil {
			return nil, r.translate(err, req.Parent)
		}
	}

	now := r.clock.Now()
	fixed := map[string]string{
		fieldType:      string(req.ID.Type()),
		fieldParent:    string(req.Parent),
		fieldOwner:     req.OwnerID,
		fieldCreatedAt: formatTime(now),
	}
	update := map[string]string{
		fieldLastActivity: formatTime(now),
	}
	if req.AccessControlled {
		update[fieldAccessControlled] = "1"
	} else {
		fixed[fieldAccessControlled] = "0"
	}
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", req.ID, err)
		}
		update[fieldMetadata] = string(raw)
	}

	if err := r.store.UpsertRoom(ctx, string(req.ID), fixed, update); err != nil {
		return nil, fmt.Errorf("create room %s: %w", req.ID, err)
	}

	room, err := r.loadRoom(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if room.Parent != "" {
		if err := r.store.LinkChild(ctx, string(room.Parent), string(room.ID)); err != nil {
			return nil, r.translate(err, room.Parent)
		}
	}
	if room.Parent != req.Parent {
		r.logger.Debug("Room %s already exists under %q, keeping original parent (requested %q)", room.ID, room.Parent, req.Parent)
	}
	return room, nil
}

// HierarchyRequest names the rooms a connection lives in. UserID, DeviceID and
// SessionID are required; the rest are optional.
type HierarchyRequest struct {
	OrgID     string
	TeamID    string
	UserID    string
	DeviceID  string
	SessionID string
	TabID     string
}

// HierarchyRooms holds the room ids ensured for a connection; unused levels are empty
type HierarchyRooms struct {
	Organization RoomID `json:"organization,omitempty"`
	Team         RoomID `json:"team,omitempty"`
	User         RoomID `json:"user"`
	Device       RoomID `json:"device"`
	Session      RoomID `json:"session"`
	Tab          RoomID `json:"tab,omitempty"`
}

// Path returns the chain from the leaf up to the root
func (h HierarchyRooms) Path() []RoomID {
	path := make([]RoomID, 0, 6)
	for _, id := range []RoomID{h.Tab, h.Session, h.Device, h.User, h.Team, h.Organization} {
		if id != "" {
			path = append(path, id)
		}
	}
	return path
}

// ensureAttempts bounds how often EnsureHierarchy restarts when an ancestor is
// torn down while the chain is being created
const ensureAttempts = 3

// EnsureHierarchy creates any missing rooms from the root down. Re-invoking it
// with the same identifiers only refreshes activity timestamps.
func (r *Registry) EnsureHierarchy(ctx context.Context, req HierarchyRequest) (*HierarchyRooms, error) {
	if req.UserID == "" || req.DeviceID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: user, device and session ids are required", ErrInvalidRoomID)
	}
	if req.TeamID != "" && req.OrgID == "" {
		return nil, fmt.Errorf("%w: team %s requires an organization", ErrHierarchyViolation, req.TeamID)
	}

	var err error
	for attempt := 1; attempt <= ensureAttempts; attempt++ {
		var rooms *HierarchyRooms
		rooms, err = r.ensureOnce(ctx, req)
		if !errors.Is(err, ErrRoomNotFound) {
			return rooms, err
		}
		r.logger.Debug("Ancestor vanished while ensuring hierarchy for user %s (attempt %d): %v", req.UserID, attempt, err)
	}
	return nil, err
}

func (r *Registry) ensureOnce(ctx context.Context, req HierarchyRequest) (*HierarchyRooms, error) {
	rooms := &HierarchyRooms{}
	var parent RoomID
	steps := []struct {
		typ   RoomType
		id    string
		owner string
		dst   *RoomID
	}{
		{Organization, req.OrgID, "", &rooms.Organization},
		{Team, req.TeamID, "", &rooms.Team},
		{User, req.UserID, req.UserID, &rooms.User},
		{Device, req.DeviceID, req.UserID, &rooms.Device},
		{Session, req.SessionID, req.UserID, &rooms.Session},
		{Tab, req.TabID, req.UserID, &rooms.Tab},
	}
	for _, step := range steps {
		if step.id == "" {
			continue
		}
		room, err := r.CreateRoom(ctx, CreateRoomRequest{
			ID:      step.typ.Room(step.id),
			Parent:  parent,
			OwnerID: step.owner,
		})
		if err != nil {
			return nil, err
		}
		*step.dst = room.ID
		parent = room.ID
	}

	r.logger.Debug("Ensured hierarchy for user %s device %s session %s tab %s", req.UserID, req.DeviceID, req.SessionID, req.TabID)
	return rooms, nil
}

// GetRoom loads a room with its children and members
func (r *Registry) GetRoom(ctx context.Context, id RoomID) (*Room, error) {
	room, err := r.loadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := r.store.Children(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("load children of %s: %w", id, err)
	}
	for _, c := range children {
		room.Children = append(room.Children, RoomID(c))
	}
	if room.Members, err = r.store.Members(ctx, string(id)); err != nil {
		return nil, fmt.Errorf("load members of %s: %w", id, err)
	}
	return room, nil
}

// Members lists the connection ids joined to a room; a missing room has none
func (r *Registry) Members(ctx context.Context, id RoomID) ([]string, error) {
	return r.store.Members(ctx, string(id))
}

// JoinRoom adds connID to the room and bumps its activity. A room torn down
// concurrently yields ErrRoomNotFound and is not recreated.
func (r *Registry) JoinRoom(ctx context.Context, connID string, id RoomID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := r.store.JoinRoom(ctx, string(id), connID, r.activity()); err != nil {
		return r.translate(err, id)
	}
	return nil
}

// LeaveRoom removes connID from the room. A room left with no members and no
// children is torn down, and the same check then runs on its parent.
func (r *Registry) LeaveRoom(ctx context.Context, connID string, id RoomID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := r.store.RemoveMember(ctx, string(id), connID); err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	if err := r.store.TouchRoom(ctx, string(id), r.activity()); err != nil && !errors.Is(err, roomstore.ErrNotFound) {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return r.collapse(ctx, id)
}

// Touch refreshes the activity of a room and every ancestor
func (r *Registry) Touch(ctx context.Context, id RoomID) error {
	visited := map[RoomID]bool{}
	for cur := id; cur != "" && !visited[cur]; {
		visited[cur] = true
		room, err := r.loadRoom(ctx, cur)
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.store.TouchRoom(ctx, string(cur), r.activity()); err != nil && !errors.Is(err, roomstore.ErrNotFound) {
			return fmt.Errorf("touch %s: %w", cur, err)
		}
		cur = room.Parent
	}
	return nil
}

// collapse tears down empty rooms walking upward. The emptiness check and the
// delete are one store operation, so a concurrent join either lands first and
// keeps the room, or fails with ErrRoomNotFound.
func (r *Registry) collapse(ctx context.Context, id RoomID) error {
	visited := map[RoomID]bool{}
	for cur := id; cur != "" && !visited[cur]; {
		visited[cur] = true
		room, err := r.loadRoom(ctx, cur)
		if errors.Is(err, ErrRoomNotFound) {
			_, err = r.store.DeleteRoomIfEmpty(ctx, string(cur))
			return err
		}
		if err != nil {
			return err
		}
		deleted, err := r.store.DeleteRoomIfEmpty(ctx, string(cur))
		if err != nil {
			return fmt.Errorf("delete %s: %w", cur, err)
		}
		if !deleted {
			return nil
		}
		if err := r.unlink(ctx, room); err != nil {
			return err
		}
		r.logger.Debug("Tore down empty room %s", cur)
		cur = room.Parent
	}
	return nil
}

// teardown deletes all keys of a room and unlinks it from its parent
func (r *Registry) teardown(ctx context.Context, room *Room) error {
	if err := r.store.DeleteRoom(ctx, string(room.ID)); err != nil {
		return fmt.Errorf("delete %s: %w", room.ID, err)
	}
	return r.unlink(ctx, room)
}

func (r *Registry) unlink(ctx context.Context, room *Room) error {
	if room.Parent == "" {
		return nil
	}
	if err := r.store.UnlinkChild(ctx, string(room.Parent), string(room.ID)); err != nil {
		return fmt.Errorf("unlink %s from %s: %w", room.ID, room.Parent, err)
	}
	return nil
}

func (r *Registry) loadRoom(ctx context.Context, id RoomID) (*Room, error) {
	fields, err := r.store.LoadRoom(ctx, string(id))
	if err != nil {
		return nil, r.translate(err, id)
	}
	room := &Room{
		ID:               id,
		Type:             RoomType(fields[fieldType]),
		Parent:           RoomID(fields[fieldParent]),
		OwnerID:          fields[fieldOwner],
		CreatedAt:        parseTime(fields[fieldCreatedAt]),
		LastActivity:     parseTime(fields[fieldLastActivity]),
		AccessControlled: fields[fieldAccessControlled] == "1",
	}
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &room.Metadata); err != nil {
			r.logger.Warn("Ignoring malformed metadata on room %s: %v", id, err)
		}
	}
	return room, nil
}

func (r *Registry) activity() map[string]string {
	return map[string]string{fieldLastActivity: formatTime(r.clock.Now())}
}

func (r *Registry) translate(err error, id RoomID) error {
	if errors.Is(err, roomstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return fmt.Errorf("room %s: %w", id, err)
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
