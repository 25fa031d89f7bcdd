// Package protocol defines the transport messages exchanged with connected tabs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfitz/sessioncore/internal/unicodecheck"
)

// MessageType represents the type of a transport message
type MessageType string

// Client to server
const (
	MessageTypeJoin                MessageType = "join"
	MessageTypeLeave               MessageType = "leave"
	MessageTypeAuth                MessageType = "auth"
	MessageTypeActivity            MessageType = "activity"
	MessageTypeRegisterTab         MessageType = "register_tab"
	MessageTypeLeaderReady         MessageType = "leader_ready"
	MessageTypeTabVisibility       MessageType = "tab_visibility"
	MessageTypeTabClosing          MessageType = "tab_closing"
	MessageTypeTokenRefreshRequest MessageType = "token_refresh_request"
)

// Server to client
const (
	MessageTypeAuthenticated         MessageType = "authenticated"
	MessageTypeLeaderElected         MessageType = "leader:elected"
	MessageTypeLeaderFailed          MessageType = "leader:failed"
	MessageTypeRoomJoined            MessageType = "room:joined"
	MessageTypeRoomLeft              MessageType = "room:left"
	MessageTypeTokenRefreshed        MessageType = "token:refreshed"
	MessageTypeTokenExpiring         MessageType = "token:expiring"
	MessageTypeTokenRefreshRequested MessageType = "token:refresh_requested"
	MessageTypeError                 MessageType = "error"
)

// ServerOnly reports whether clients are forbidden from sending t
func (t MessageType) ServerOnly() bool {
	switch t {
	case MessageTypeAuthenticated, MessageTypeLeaderElected, MessageTypeLeaderFailed,
		MessageTypeRoomJoined, MessageTypeRoomLeft, MessageTypeTokenRefreshed,
		MessageTypeTokenExpiring, MessageTypeTokenRefreshRequested, MessageTypeError:
		return true
	}
	return false
}

// Error codes carried by error messages
const (
	ErrorCodeInvalidMessage       = "invalid_message"
	ErrorCodeInvalidMessageType   = "invalid_message_type"
	ErrorCodeUnsupported          = "unsupported_message_type"
	ErrorCodeNotAuthenticated     = "not_authenticated"
	ErrorCodeAlreadyAuthenticated = "already_authenticated"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRoomNotFound         = "room_not_found"
	ErrorCodeHierarchy            = "hierarchy_violation"
	ErrorCodeNotLeader            = "not_leader"
	ErrorCodeStaleGeneration      = "stale_generation"
	ErrorCodeInternal             = "internal_error"
)

// ErrInvalidMessage wraps every decoding and validation failure
var ErrInvalidMessage = errors.New("invalid message")

// Envelope is the wire shape of every message
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Event is set on messages produced by event propagation
	Event *EventMeta `json:"event,omitempty"`
}

// EventMeta describes a propagated event delivered to a connection
type EventMeta struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	Direction string    `json:"direction"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validator is implemented by every client payload
type Validator interface {
	Validate() error
}

// Decode parses a raw frame into an envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	return env, nil
}

// DecodePayload unmarshals and validates an envelope payload into dst
func DecodePayload(env Envelope, dst Validator) error {
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return fmt.Errorf("%w: %s payload: %w", ErrInvalidMessage, env.Type, err)
		}
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidMessage, env.Type, err)
	}
	return nil
}

// Encode builds a frame for msgType with payload marshalled as JSON
func Encode(msgType MessageType, payload any) ([]byte, error) {
	return EncodeEvent(msgType, payload, nil)
}

// EncodeEvent is Encode with propagation metadata attached
func EncodeEvent(msgType MessageType, payload any, meta *EventMeta) ([]byte, error) {
	env := Envelope{Type: msgType, Event: meta}
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			env.Payload = raw
		} else {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
			}
			env.Payload = b
		}
	}
	return json.Marshal(env)
}

// AuthPayload identifies the connection. OrgID, TeamID, SessionID and Token are optional.
type AuthPayload struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
	TabID     string `json:"tabId"`
	SessionID string `json:"sessionId,omitempty"`
	OrgID     string `json:"orgId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	Token     string `json:"token,omitempty"` //nolint:gosec // G117 - access token supplied by the client
}

func (p *AuthPayload) Validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	if p.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if p.TabID == "" {
		return errors.New("tabId is required")
	}
	return checkIdentifiers(map[string]string{
		"userId":    p.UserID,
		"deviceId":  p.DeviceID,
		"tabId":     p.TabID,
		"sessionId": p.SessionID,
		"orgId":     p.OrgID,
		"teamId":    p.TeamID,
	})
}

func checkIdentifiers(fields map[string]string) error {
	for name, value := range fields {
		if err := unicodecheck.CheckIdentifier(name, value); err != nil {
			return err
		}
	}
	return nil
}

// RoomPayload is used by join, leave, room:joined and room:left
type RoomPayload struct {
	Room string `json:"room"`
}

func (p *RoomPayload) Validate() error {
	if p.Room == "" {
		return errors.New("room is required")
	}
	return nil
}

// ActivityPayload doubles as the leader heartbeat when IsLeader is set
type ActivityPayload struct {
	IsLeader   bool   `json:"isLeader"`
	Generation uint64 `json:"generation,omitempty"`
	TabID      string `json:"tabId,omitempty"`
}

func (p *ActivityPayload) Validate() error { return nil }

// RegisterTabPayload announces a tab as a leader candidate
type RegisterTabPayload struct {
	TabID         string `json:"tabId"`
	DeviceID      string `json:"deviceId"`
	IsVisible     bool   `json:"isVisible"`
	IsActive      bool   `json:"isActive,omitempty"`
	ForceElection bool   `json:"forceElection,omitempty"`
}

func (p *RegisterTabPayload) Validate() error {
	if p.TabID == "" {
		return errors.New("tabId is required")
	}
	if p.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	return checkIdentifiers(map[string]string{"tabId": p.TabID, "deviceId": p.DeviceID})
}

// LeaderReadyPayload is sent by a tab once it has taken over leader duties
type LeaderReadyPayload struct {
	TabID      string `json:"tabId"`
	DeviceID   string `json:"deviceId"`
	Generation uint64 `json:"generation,omitempty"`
}

func (p *LeaderReadyPayload) Validate() error {
	if p.TabID == "" || p.DeviceID == "" {
		return errors.New("tabId and deviceId are required")
	}
	return nil
}

// TabVisibilityPayload reports a visibility change
type TabVisibilityPayload struct {
	TabID     string `json:"tabId"`
	IsVisible bool   `json:"isVisible"`
	IsActive  bool   `json:"isActive,omitempty"`
}

func (p *TabVisibilityPayload) Validate() error {
	if p.TabID == "" {
		return errors.New("tabId is required")
	}
	return nil
}

// TabClosingPayload is sent over the socket or the HTTP beacon on page unload.
// Timestamp is the send time in Unix milliseconds. UserID is only read from
// beacons posted without a token.
type TabClosingPayload struct {
	TabID     string `json:"tabId"`
	DeviceID  string `json:"deviceId"`
	UserID    string `json:"userId,omitempty"`
	IsLeader  bool   `json:"isLeader"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (p *TabClosingPayload) Validate() error {
	if p.TabID == "" || p.DeviceID == "" {
		return errors.New("tabId and deviceId are required")
	}
	fields := map[string]string{"tabId": p.TabID, "deviceId": p.DeviceID}
	if p.UserID != "" {
		fields["userId"] = p.UserID
	}
	return checkIdentifiers(fields)
}

// TokenRefreshRequestPayload asks for a refresh of the connection's session token
type TokenRefreshRequestPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (p *TokenRefreshRequestPayload) Validate() error { return nil }

// AuthenticatedPayload acknowledges a successful auth
type AuthenticatedPayload struct {
	ConnectionID string   `json:"connectionId"`
	Rooms        []string `json:"rooms"`
}

// LeaderElectedPayload announces an election outcome
type LeaderElectedPayload struct {
	LeaderID         string    `json:"leaderId"`
	LeaderTabID      string    `json:"leaderTabId,omitempty"`
	PreviousLeaderID string    `json:"previousLeaderId,omitempty"`
	DeviceID         string    `json:"deviceId"`
	Reason           string    `json:"reason"`
	Generation       uint64    `json:"generation"`
	Timestamp        time.Time `json:"timestamp"`
}

// LeaderFailedPayload announces that no candidate could take over
type LeaderFailedPayload struct {
	PreviousLeaderID string    `json:"previousLeaderId,omitempty"`
	DeviceID         string    `json:"deviceId"`
	Reason           string    `json:"reason"`
	Generation       uint64    `json:"generation"`
	Timestamp        time.Time `json:"timestamp"`
}

// TokenRefreshedPayload carries the new expiry to followers
type TokenRefreshedPayload struct {
	UserID      string    `json:"userId"`
	DeviceID    string    `json:"deviceId"`
	SessionID   string    `json:"sessionId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Generation  uint64    `json:"generation"`
	RefreshedBy string    `json:"refreshedBy"`
	// Token is the reissued session token when the refresher produced one
	Token string `json:"token,omitempty"`
}

// TokenExpiringPayload warns that a session token is about to expire
type TokenExpiringPayload struct {
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenRefreshRequestedPayload asks the leader to refresh on a follower's behalf
type TokenRefreshRequestedPayload struct {
	RequestedBy string `json:"requestedBy"`
	SessionID   string `json:"sessionId"`
}

// ErrorPayload is sent back to the origin connection when a message is rejected
type ErrorPayload struct {
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	RequestType MessageType `json:"requestType,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
