// Package hierarchy owns the organization → team → user → device → session → tab
// room tree. It is the only writer of room keys in the room store.
package hierarchy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ericfitz/sessioncore/internal/unicodecheck"
)

var (
	// ErrHierarchyViolation is returned when a room's declared parent has the wrong type
	ErrHierarchyViolation = errors.New("hierarchy violation")
	// ErrAccessDenied is returned when no grant or ownership satisfies the requested level
	ErrAccessDenied = errors.New("access denied")
	// ErrRoomNotFound is returned when a room does not exist or has expired
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidRoomID is returned for malformed room ids
	ErrInvalidRoomID = errors.New("invalid room id")
)

// RoomType is the scope a room represents
type RoomType string

const (
	Organization RoomType = "organization"
	Team         RoomType = "team"
	User         RoomType = "user"
	Device       RoomType = "device"
	Session      RoomType = "session"
	Tab          RoomType = "tab"
)

// validParents lists the structurally valid parent types; a nil entry means the type is a root
var validParents = map[RoomType][]RoomType{
	Organization: nil,
	Team:         {Organization},
	User:         {Team, Organization},
	Device:       {User},
	Session:      {Device},
	Tab:          {Session},
}

// canBeRoot is true for types that may exist without a parent
var canBeRoot = map[RoomType]bool{
	Organization: true,
	User:         true,
}

// Valid reports whether t is a known room type
func (t RoomType) Valid() bool {
	_, ok := validParents[t]
	return ok
}

// Room builds the id of the room of this type with the given id
func (t RoomType) Room(id string) RoomID {
	return RoomID(string(t) + ":" + id)
}

// ValidParent reports whether a room of type t may be a child of parent.
// The empty parent type means "no parent".
func (t RoomType) ValidParent(parent RoomType) bool {
	if parent == "" {
		return canBeRoot[t]
	}
	return slices.Contains(validParents[t], parent)
}

// RoomID identifies a room as "{type}:{id}"
type RoomID string

// ParseRoomID validates s and returns the room id
func ParseRoomID(s string) (RoomID, error) {
	id := RoomID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks the type prefix and that the id part is non-empty and colon free
func (r RoomID) Validate() error {
	typ, id, ok := strings.Cut(string(r), ":")
	if !ok || id == "" || strings.Contains(id, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, string(r))
	}
	if !RoomType(typ).Valid() {
		return fmt.Errorf("%w: unknown room type %q", ErrInvalidRoomID, typ)
	}
	if err := unicodecheck.CheckIdentifier("room id", id); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoomID, err)
	}
	return nil
}

// Type returns the room type prefix
func (r RoomID) Type() RoomType {
	typ, _, _ := strings.Cut(string(r), ":")
	return RoomType(typ)
}

// LocalID returns the id part after the type prefix
func (r RoomID) LocalID() string {
	_, id, _ := strings.Cut(string(r), ":")
	return id
}

func (r RoomID) String() string {
	return string(r)
}

// Room is a node of the hierarchy
type Room struct {
	ID               RoomID            `json:"id"`
	Type             RoomType          `json:"type"`
	Parent           RoomID            `json:"parent,omitempty"`
	Children         []RoomID          `json:"children,omitempty"`
	Members          []string          `json:"members,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	OwnerID          string            `json:"ownerId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastActivity     time.Time         `json:"lastActivity"`
	AccessControlled bool              `json:"accessControlled"`
}

// AccessLevel orders permissions none < read < write < admin
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseAccessLevel converts a stored level name; unknown names map to none
func ParseAccessLevel(s string) AccessLevel {
	switch strings.ToLower(s) {
	case "read":
		return AccessRead
	case "write":
		return AccessWrite
	case "admin":
		return AccessAdmin
	default:
		return AccessNone
	}
}
