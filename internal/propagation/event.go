package propagation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ericfitz/sessioncore/internal/hierarchy"
)

// Direction selects which part of the hierarchy an event travels through
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Both Direction = "both"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == Up || d == Down || d == Both
}

// Priority orders events; lower values are processed sooner
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a name to a Priority; unknown names are Medium
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return Critical
	case "high":
		return High
	case "low":
		return Low
	default:
		return Medium
	}
}

// SecurityPrefix marks event types that are also written to the security log
const SecurityPrefix = "security:"

// IsSecurity reports whether eventType is a security event
func IsSecurity(eventType string) bool {
	return strings.HasPrefix(eventType, SecurityPrefix)
}

// Request describes one emission
type Request struct {
	Type      string
	Payload   any
	Origin    hierarchy.RoomID
	Direction Direction
	Priority  Priority
	// Persist appends the event to the history of every room on its path
	Persist bool
}

// Event is a processed emission
type Event struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	Origin    hierarchy.RoomID
	Direction Direction
	Priority  Priority
	Persist   bool
	// Path lists the rooms notified, origin first
	Path      []hierarchy.RoomID
	CreatedAt time.Time
	Processed bool
}

// Receipt summarizes an emission for the caller
type Receipt struct {
	EventID   string
	Path      []hierarchy.RoomID
	Delivered int
	// Skipped counts members with no live connection in this process
	Skipped int
	// Failed counts live connections that could not be reached after retries
	Failed    int
	Throttled bool
	Dropped   bool
}
