package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

// tab is one simulated browser tab
type tab struct {
	config Config
	tabID  string
	logger *slogging.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu         sync.Mutex
	leader     bool
	generation uint64
	closed     bool
}

func newTab(config Config, index int) *tab {
	return &tab{
		config: config,
		tabID:  fmt.Sprintf("%s-tab-%d", config.DeviceID, index+1),
		logger: slogging.Get(),
	}
}

func (t *tab) wsURL() string {
	u := strings.Replace(t.config.ServerURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	u += "/ws"
	if t.config.Token != "" {
		u += "?token=" + url.QueryEscape(t.config.Token)
	}
	return u
}

func (t *tab) run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.wsURL(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			t.logger.Error("Tab %s upgrade failed: %s %s", t.tabID, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("tab %s: websocket connection failed: %w", t.tabID, err)
	}
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	defer func() { _ = conn.Close() }()
	t.logger.Info("Tab %s connected", t.tabID)

	if err := t.send(protocol.MessageTypeAuth, protocol.AuthPayload{
		UserID:    t.config.UserID,
		DeviceID:  t.config.DeviceID,
		TabID:     t.tabID,
		SessionID: t.config.SessionID,
		Token:     t.config.Token,
	}); err != nil {
		return err
	}
	if err := t.send(protocol.MessageTypeRegisterTab, protocol.RegisterTabPayload{
		TabID:     t.tabID,
		DeviceID:  t.config.DeviceID,
		IsVisible: strings.HasSuffix(t.tabID, "-tab-1"),
	}); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- t.readLoop() }()

	ticker := time.NewTicker(t.config.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = t.send(protocol.MessageTypeTabClosing, protocol.TabClosingPayload{
				TabID: t.tabID, DeviceID: t.config.DeviceID, IsLeader: t.isLeader(), Timestamp: time.Now().UnixMilli(),
			})
			t.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.writeMu.Unlock()
			return nil
		case err := <-readErr:
			if t.isClosed() {
				return nil
			}
			return fmt.Errorf("tab %s: connection lost: %w", t.tabID, err)
		case <-ticker.C:
			leader, generation := t.leaderState()
			if err := t.send(protocol.MessageTypeActivity, protocol.ActivityPayload{
				IsLeader: leader, Generation: generation, TabID: t.tabID,
			}); err != nil {
				return err
			}
		}
	}
}

func (t *tab) readLoop() error {
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.logger.Warn("Tab %s received an undecodable frame: %v", t.tabID, err)
			continue
		}
		t.logger.Debug("Tab %s received %s: %s", t.tabID, env.Type, string(data))
		t.handle(env)
	}
}

func (t *tab) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeAuthenticated:
		var p protocol.AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.logger.Info("Tab %s authenticated as %s in %d rooms", t.tabID, p.ConnectionID, len(p.Rooms))
		}

	case protocol.MessageTypeLeaderElected:
		var p protocol.LeaderElectedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		mine := p.LeaderTabID == t.tabID
		t.mu.Lock()
		wasLeader := t.leader
		t.leader = mine
		t.generation = p.Generation
		t.mu.Unlock()
		t.logger.Info("Tab %s: leader is %s (reason %s, generation %d)", t.tabID, p.LeaderTabID, p.Reason, p.Generation)
		if mine && !wasLeader {
			_ = t.send(protocol.MessageTypeLeaderReady, protocol.LeaderReadyPayload{
				TabID: t.tabID, DeviceID: t.config.DeviceID, Generation: p.Generation,
			})
		}

	case protocol.MessageTypeLeaderFailed:
		var p protocol.LeaderFailedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.logger.Warn("Tab %s: leader election failed for device %s (%s)", t.tabID, p.DeviceID, p.Reason)
		}

	case protocol.MessageTypeTokenExpiring:
		var p protocol.TokenExpiringPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.logger.Info("Tab %s: token of session %s expires at %s", t.tabID, p.SessionID, p.ExpiresAt.Format(time.RFC3339))
		}
		if !t.isLeader() {
			_ = t.send(protocol.MessageTypeTokenRefreshRequest, protocol.TokenRefreshRequestPayload{Reason: "expiring"})
		}

	case protocol.MessageTypeTokenRefreshRequested:
		var p protocol.TokenRefreshRequestedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.logger.Info("Tab %s: refresh requested by %s", t.tabID, p.RequestedBy)
		}
		_ = t.send(protocol.MessageTypeTokenRefreshRequest, protocol.TokenRefreshRequestPayload{Reason: "requested"})

	case protocol.MessageTypeTokenRefreshed:
		var p protocol.TokenRefreshedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.logger.Info("Tab %s: token refreshed by %s, expires %s (generation %d)",
				t.tabID, p.RefreshedBy, p.ExpiresAt.Format(time.RFC3339), p.Generation)
		}

	case protocol.MessageTypeError:
		var p protocol.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.logger.Warn("Tab %s: server rejected %s: %s (%s)", t.tabID, p.RequestType, p.Message, p.Code)
		}

	default:
		if env.Event != nil {
			t.logger.Debug("Tab %s: event %s from %s", t.tabID, env.Type, env.Event.Origin)
		}
	}
}

func (t *tab) send(msgType protocol.MessageType, payload any) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return errors.New("not connected")
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *tab) leaderState() (bool, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leader, t.generation
}

func (t *tab) isLeader() bool {
	leader, _ := t.leaderState()
	return leader
}

func (t *tab) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// close drops the connection without a tab_closing message, like a crashed tab
func (t *tab) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
}
