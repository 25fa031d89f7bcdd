package api

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/slogging"
	"github.com/ericfitz/sessioncore/internal/uuidgen"
)

// cleanupTimeout bounds the asynchronous room cleanup after a disconnect
const cleanupTimeout = 30 * time.Second

// Connect registers a new transport. principal is the identity verified on
// the upgrade, if any; the auth message must agree with it.
func (s *Service) Connect(transport connections.Transport, principal *auth.Principal) (*connections.Connection, error) {
	id, err := uuidgen.New(uuidgen.KindConnection)
	if err != nil {
		return nil, err
	}
	conn, err := s.conns.Add(id, transport)
	if err != nil {
		return nil, err
	}
	if principal != nil {
		s.principals.Store(conn.ID, *principal)
	}
	s.metrics.ConnectionOpened(s.ctx)
	slogging.LogWebSocketConnection("connected", conn.ID, principalUser(principal), "")
	return conn, nil
}

func principalUser(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.UserID
}

func (s *Service) principal(connID string) (auth.Principal, bool) {
	v, ok := s.principals.Load(connID)
	if !ok {
		return auth.Principal{}, false
	}
	return v.(auth.Principal), true
}

// Disconnect removes the connection synchronously so it stops receiving
// events and is no longer a leader candidate, then leaves its rooms in the
// background. Unknown ids are ignored.
func (s *Service) Disconnect(connID string) {
	conn, ok := s.conns.Remove(connID)
	if !ok {
		return
	}
	s.principals.Delete(connID)
	identity, authenticated := conn.Identity()
	s.election.ConnectionLost(connID, identity, authenticated)
	if authenticated {
		s.forgetIdleSession(identity)
	}
	s.metrics.ConnectionClosed(s.ctx)
	slogging.LogWebSocketConnection("disconnected", connID, identity.UserID, identity.DeviceID)

	rooms := leafFirst(conn.Rooms())
	if len(rooms) == 0 {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
		defer cancel()
		for _, room := range rooms {
			if err := s.rooms.LeaveRoom(ctx, connID, room); err != nil {
				s.logger.Warn("Failed to leave %s after disconnect of %s: %v", room, connID, err)
			}
		}
	}()
}

// forgetIdleSession drops the session's token record once its last connection is gone
func (s *Service) forgetIdleSession(identity connections.Identity) {
	for _, other := range s.conns.ByUser(identity.UserID) {
		if id, ok := other.Identity(); ok && id.SessionID == identity.SessionID {
			return
		}
	}
	s.tokens.Forget(identity.SessionID)
}

var depth = map[hierarchy.RoomType]int{
	hierarchy.Tab:          0,
	hierarchy.Session:      1,
	hierarchy.Device:       2,
	hierarchy.User:         3,
	hierarchy.Team:         4,
	hierarchy.Organization: 5,
}

// leafFirst orders rooms tab → organization so emptied parents collapse in one pass
func leafFirst(rooms []string) []hierarchy.RoomID {
	out := make([]hierarchy.RoomID, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, hierarchy.RoomID(r))
	}
	slices.SortStableFunc(out, func(a, b hierarchy.RoomID) int {
		return cmp.Compare(depth[a.Type()], depth[b.Type()])
	})
	return out
}
