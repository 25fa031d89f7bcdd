package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/ericfitz/sessioncore/auth"
	authdb "github.com/ericfitz/sessioncore/auth/db"
	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/election"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

// handlerFunc handles one decoded client message
type handlerFunc func(ctx context.Context, conn *connections.Connection, env protocol.Envelope) error

func (s *Service) dispatchTable() map[protocol.MessageType]handlerFunc {
	return map[protocol.MessageType]handlerFunc{
		protocol.MessageTypeAuth:                s.handleAuth,
		protocol.MessageTypeJoin:                s.handleJoin,
		protocol.MessageTypeLeave:               s.handleLeave,
		protocol.MessageTypeActivity:            s.handleActivity,
		protocol.MessageTypeRegisterTab:         s.handleRegisterTab,
		protocol.MessageTypeLeaderReady:         s.handleLeaderReady,
		protocol.MessageTypeTabVisibility:       s.handleTabVisibility,
		protocol.MessageTypeTabClosing:          s.handleTabClosing,
		protocol.MessageTypeTokenRefreshRequest: s.handleTokenRefreshRequest,
	}
}

// HandleMessage decodes and dispatches one frame from connID. Failures are
// reported to the connection as error messages and never escape.
func (s *Service) HandleMessage(ctx context.Context, connID string, data []byte) {
	conn, ok := s.conns.Get(connID)
	if !ok {
		return
	}
	identity, _ := conn.Identity()

	var msgType protocol.MessageType
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 2048)
			n := runtime.Stack(buf, false)
			s.logger.ErrorCtx(ctx, "Panic while handling message",
				slog.Any("panic_value", r),
				slog.String("connection_id", connID),
				slog.String("message_type", string(msgType)),
				slog.String("stack_trace", string(buf[:n])))
			s.sendError(connID, msgType, protocol.ErrorCodeInternal, "internal error")
		}
	}()

	env, err := protocol.Decode(data)
	if err != nil {
		s.sendError(connID, "", protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}
	msgType = env.Type
	slogging.LogWebSocketMessage(slogging.WSMessageInbound, connID, identity.UserID, string(env.Type), data, s.cfg.WebSocketLogging())

	if env.Type.ServerOnly() {
		s.sendError(connID, env.Type, protocol.ErrorCodeInvalidMessageType, fmt.Sprintf("%s is sent by the server only", env.Type))
		return
	}
	handler, ok := s.handlers[env.Type]
	if !ok {
		s.sendError(connID, env.Type, protocol.ErrorCodeUnsupported, fmt.Sprintf("unsupported message type %q", env.Type))
		return
	}

	conn.Touch(s.clock.Now())
	if err := handler(ctx, conn, env); err != nil {
		s.logger.Debug("Rejected %s from %s: %v", env.Type, connID, err)
		s.sendError(connID, env.Type, errorCode(err), err.Error())
	}
}

func (s *Service) sendError(connID string, requestType protocol.MessageType, code, message string) {
	err := s.conns.SendMessage(connID, protocol.MessageTypeError, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		RequestType: requestType,
		Timestamp:   s.clock.Now(),
	})
	if err != nil {
		s.logger.Debug("Could not deliver error to %s: %v", connID, err)
	}
}

// errorCode maps a handler error onto the protocol error codes
func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidMessage):
		return protocol.ErrorCodeInvalidMessage
	case errors.Is(err, connections.ErrNotAuthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrIdentityMismatch),
		errors.Is(err, auth.ErrUserDisabled),
		errors.Is(err, authdb.ErrUserNotFound):
		return protocol.ErrorCodeNotAuthenticated
	case errors.Is(err, connections.ErrAlreadyAuthenticated):
		return protocol.ErrorCodeAlreadyAuthenticated
	case errors.Is(err, hierarchy.ErrAccessDenied):
		return protocol.ErrorCodeAccessDenied
	case errors.Is(err, hierarchy.ErrRoomNotFound):
		return protocol.ErrorCodeRoomNotFound
	case errors.Is(err, hierarchy.ErrHierarchyViolation), errors.Is(err, hierarchy.ErrInvalidRoomID):
		return protocol.ErrorCodeHierarchy
	case errors.Is(err, election.ErrNotLeader):
		return protocol.ErrorCodeNotLeader
	case errors.Is(err, election.ErrStaleGeneration):
		return protocol.ErrorCodeStaleGeneration
	default:
		return protocol.ErrorCodeInternal
	}
}
