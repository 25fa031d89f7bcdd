package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/election"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/propagation"
	"github.com/ericfitz/sessioncore/internal/protocol"
)

// ActivityEvent is the propagated event type of activity pings
const ActivityEvent = "activity"

func requireIdentity(conn *connections.Connection) (connections.Identity, error) {
	identity, ok := conn.Identity()
	if !ok {
		return identity, fmt.Errorf("%w: %s", connections.ErrNotAuthenticated, conn.ID)
	}
	return identity, nil
}

// handleAuth binds an identity to the connection, joins its room chain and
// replays anything that arrived before authentication
func (s *Service) handleAuth(ctx context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.AuthPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}

	principal, err := s.verifyAuth(ctx, conn.ID, &p)
	if err != nil {
		return err
	}

	identity := connections.Identity{
		UserID:    p.UserID,
		DeviceID:  p.DeviceID,
		TabID:     p.TabID,
		SessionID: p.SessionID,
		OrgID:     p.OrgID,
		TeamID:    p.TeamID,
	}
	if identity.SessionID == "" {
		identity.SessionID = principal.SessionID
	}
	if identity.SessionID == "" {
		// one implicit session per device
		identity.SessionID = p.DeviceID
	}

	if current, ok := conn.Identity(); ok {
		if current != identity {
			return fmt.Errorf("%w: %s", connections.ErrAlreadyAuthenticated, conn.ID)
		}
		return s.conns.SendMessage(conn.ID, protocol.MessageTypeAuthenticated, protocol.AuthenticatedPayload{
			ConnectionID: conn.ID,
			Rooms:        conn.Rooms(),
		})
	}

	chain, err := s.rooms.EnsureHierarchy(ctx, hierarchyRequest(identity))
	if err != nil {
		return err
	}

	restored, err := s.conns.Authenticate(conn.ID, identity)
	if err != nil {
		return err
	}

	joined, err := s.joinChain(ctx, conn, identity, chain)
	if err != nil {
		s.rollbackAuth(conn, identity, joined, restored)
		return err
	}
	for _, raw := range restored {
		room := hierarchy.RoomID(raw)
		if conn.InRoom(raw) {
			continue
		}
		if err := s.join(ctx, conn, room); err != nil {
			s.logger.Warn("Could not restore %s for %s: %v", room, conn.ID, err)
			continue
		}
		joined = append(joined, raw)
	}

	if s.devices != nil {
		if err := s.devices.Touch(ctx, identity.UserID, identity.DeviceID, identity.TabID, s.clock.Now()); err != nil {
			s.logger.Warn("Failed to save device %s: %v", identity.DeviceID, err)
		}
	}

	if err := s.conns.SendMessage(conn.ID, protocol.MessageTypeAuthenticated, protocol.AuthenticatedPayload{
		ConnectionID: conn.ID,
		Rooms:        joined,
	}); err != nil {
		s.rollbackAuth(conn, identity, joined, restored)
		return err
	}

	if replayed := s.election.ReplayPending(conn.ID); len(replayed) > 0 {
		s.logger.Debug("Replayed %d queued tab registrations for %s", len(replayed), conn.ID)
	}

	switch {
	case principal.Token != "":
		if _, err := s.tokens.TrackToken(identity, principal.Token); err != nil {
			s.logger.Debug("Not tracking token of %s: %v", conn.ID, err)
		}
	case !principal.ExpiresAt.IsZero():
		s.tokens.Track(identity, principal.ExpiresAt)
	}

	s.logger.Info("Authenticated %s as user %s device %s tab %s (%d rooms, %d restored)",
		conn.ID, identity.UserID, identity.DeviceID, identity.TabID, len(joined), len(restored))
	return nil
}

// verifyAuth checks the auth message against the upgrade principal or the
// token it carries. Without token verification configured any identity is accepted.
func (s *Service) verifyAuth(ctx context.Context, connID string, p *protocol.AuthPayload) (auth.Principal, error) {
	principal, ok := s.principal(connID)
	if !ok && p.Token != "" && s.auth != nil {
		verified, err := s.auth.Verify(p.Token)
		if err != nil {
			return auth.Principal{}, err
		}
		principal, ok = verified, true
	}
	if !ok {
		if s.cfg.Auth.RequireToken {
			return auth.Principal{}, fmt.Errorf("%w: token required", connections.ErrNotAuthenticated)
		}
		// unverified token: still used for expiry tracking
		return auth.Principal{Token: p.Token}, nil
	}
	if err := principal.Match(p.UserID, p.DeviceID, p.SessionID); err != nil {
		return auth.Principal{}, err
	}
	if s.auth != nil && s.cfg.Auth.LookupUsers {
		if err := s.auth.CheckUser(ctx, p.UserID); err != nil {
			return auth.Principal{}, err
		}
	}
	return principal, nil
}

func hierarchyRequest(identity connections.Identity) hierarchy.HierarchyRequest {
	return hierarchy.HierarchyRequest{
		OrgID:     identity.OrgID,
		TeamID:    identity.TeamID,
		UserID:    identity.UserID,
		DeviceID:  identity.DeviceID,
		SessionID: identity.SessionID,
		TabID:     identity.TabID,
	}
}

// joinChain joins every room of the chain leaf first. A room torn down between
// EnsureHierarchy and the join gets the chain ensured once more. The rooms
// joined so far are returned even on error.
func (s *Service) joinChain(ctx context.Context, conn *connections.Connection, identity connections.Identity, chain *hierarchy.HierarchyRooms) ([]string, error) {
	joined := make([]string, 0, 6)
	reensured := false
	for _, room := range chain.Path() {
		err := s.join(ctx, conn, room)
		if errors.Is(err, hierarchy.ErrRoomNotFound) && !reensured {
			reensured = true
			s.logger.Debug("Room %s vanished while %s was joining, ensuring the chain again", room, conn.ID)
			if _, err = s.rooms.EnsureHierarchy(ctx, hierarchyRequest(identity)); err == nil {
				err = s.join(ctx, conn, room)
			}
		}
		if err != nil {
			return joined, err
		}
		joined = append(joined, string(room))
	}
	return joined, nil
}

// rollbackAuth undoes a partially applied auth so the connection is left
// unauthenticated and out of every room it joined
func (s *Service) rollbackAuth(conn *connections.Connection, identity connections.Identity, joined, restored []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
	defer cancel()
	for _, room := range leafFirst(joined) {
		conn.RemoveRoom(string(room))
		if err := s.rooms.LeaveRoom(ctx, conn.ID, room); err != nil {
			s.logger.Warn("Failed to leave %s while rolling back auth of %s: %v", room, conn.ID, err)
		}
	}
	s.conns.Deauthenticate(conn.ID)
	s.conns.Remember(identity, restored)
	s.logger.Debug("Rolled back auth of %s as user %s device %s", conn.ID, identity.UserID, identity.DeviceID)
}

func (s *Service) join(ctx context.Context, conn *connections.Connection, room hierarchy.RoomID) error {
	if err := s.rooms.JoinRoom(ctx, conn.ID, room); err != nil {
		return err
	}
	conn.AddRoom(string(room))
	return nil
}

// touchRooms keeps the connection's chain from being swept as stale
func (s *Service) touchRooms(ctx context.Context, origin hierarchy.RoomID) {
	if err := s.rooms.Touch(ctx, origin); err != nil {
		s.logger.Debug("Failed to refresh activity of %s: %v", origin, err)
	}
}

func (s *Service) handleJoin(ctx context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.RoomPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	identity, err := requireIdentity(conn)
	if err != nil {
		return err
	}
	room, err := hierarchy.ParseRoomID(p.Room)
	if err != nil {
		return err
	}
	if _, err := s.rooms.CheckAccess(ctx, room, identity.UserID, hierarchy.AccessRead); err != nil {
		return err
	}
	if err := s.join(ctx, conn, room); err != nil {
		return err
	}
	return s.conns.SendMessage(conn.ID, protocol.MessageTypeRoomJoined, protocol.RoomPayload{Room: string(room)})
}

func (s *Service) handleLeave(ctx context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.RoomPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if _, err := requireIdentity(conn); err != nil {
		return err
	}
	room, err := hierarchy.ParseRoomID(p.Room)
	if err != nil {
		return err
	}
	conn.RemoveRoom(string(room))
	if err := s.rooms.LeaveRoom(ctx, conn.ID, room); err != nil {
		return err
	}
	return s.conns.SendMessage(conn.ID, protocol.MessageTypeRoomLeft, protocol.RoomPayload{Room: string(room)})
}

// handleActivity records the ping, treats it as a leader heartbeat when
// flagged, refreshes the connection's rooms and propagates the ping upward at
// low priority. Bad pings are dropped.
func (s *Service) handleActivity(ctx context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.ActivityPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return nil
	}
	identity, ok := conn.Identity()
	if !ok {
		return nil
	}
	if p.IsLeader {
		if err := s.election.Heartbeat(conn.ID, p.Generation); err != nil {
			s.logger.Debug("Ignored leader heartbeat from %s: %v", conn.ID, err)
		}
	}
	origin := originRoom(identity)
	s.touchRooms(ctx, origin)
	s.events.EmitAsync(s.ctx, propagation.Request{
		Type:      ActivityEvent,
		Payload:   map[string]any{"connectionId": conn.ID, "isLeader": p.IsLeader, "at": s.clock.Now()},
		Origin:    origin,
		Direction: propagation.Up,
		Priority:  propagation.Low,
	})
	return nil
}

// originRoom is the lowest room of the connection's chain
func originRoom(identity connections.Identity) hierarchy.RoomID {
	if identity.TabID == "" {
		return hierarchy.Session.Room(identity.SessionID)
	}
	return hierarchy.Tab.Room(identity.TabID)
}

func (s *Service) handleRegisterTab(_ context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.RegisterTabPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	visibility := connections.VisibilityFrom(p.IsVisible, p.IsActive)
	conn.SetVisibility(visibility)
	res, err := s.election.RegisterTab(conn.ID, election.Registration{
		TabID:      p.TabID,
		DeviceID:   p.DeviceID,
		Visibility: visibility,
		Force:      p.ForceElection,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Tab %s of %s registered: status %d leader %s generation %d", p.TabID, conn.ID, res.Status, res.LeaderID, res.Generation)
	return nil
}

// handleLeaderReady confirms a new leader took over. Messages carrying an
// older generation are dropped silently.
func (s *Service) handleLeaderReady(ctx context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.LeaderReadyPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	identity, err := requireIdentity(conn)
	if err != nil {
		return err
	}
	if err := s.election.ValidateGeneration(identity.UserID, p.DeviceID, p.Generation); err != nil {
		s.logger.Debug("Dropped leader_ready from %s: %v", conn.ID, err)
		return nil
	}
	err = s.election.Heartbeat(conn.ID, p.Generation)
	if errors.Is(err, election.ErrStaleGeneration) {
		return nil
	}
	if err != nil {
		return err
	}
	s.touchRooms(ctx, originRoom(identity))
	return nil
}

func (s *Service) handleTabVisibility(_ context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.TabVisibilityPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	conn.SetVisibility(connections.VisibilityFrom(p.IsVisible, p.IsActive))
	return nil
}

func (s *Service) handleTabClosing(_ context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.TabClosingPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	s.election.TabClosing(conn.ID)
	return nil
}

// handleTokenRefreshRequest runs the refresh in the background; it can wait
// out the leader's grace window and must not block the read loop
func (s *Service) handleTokenRefreshRequest(_ context.Context, conn *connections.Connection, env protocol.Envelope) error {
	var p protocol.TokenRefreshRequestPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if _, err := requireIdentity(conn); err != nil {
		return err
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.tokens.RequestRefresh(context.WithoutCancel(s.ctx), conn.ID, p.Reason); err != nil {
			s.logger.Warn("Token refresh for %s failed: %v", conn.ID, err)
			s.sendError(conn.ID, env.Type, errorCode(err), err.Error())
		}
	}()
	return nil
}
