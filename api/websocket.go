package api

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/internal/config"
	"github.com/ericfitz/sessioncore/internal/connections"
)

var errSendBufferFull = errors.New("send buffer full")

// wsTransport adapts a gorilla connection to connections.Transport. Frames are
// queued on send and written by writePump.
type wsTransport struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSTransport(conn *websocket.Conn, buffer int) *wsTransport {
	return &wsTransport{
		conn:   conn,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.closed:
		return connections.ErrConnectionClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.closed:
		return connections.ErrConnectionClosed
	default:
		return errSendBufferFull
	}
}

func (t *wsTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (s *Service) upgrader() websocket.Upgrader {
	allowed := s.cfg.Server.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(allowed) == 0 {
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			}
			return slices.Contains(allowed, origin) || slices.Contains(allowed, "*")
		},
	}
}

// handleWebSocket upgrades the request and starts the connection's pumps
func (s *Service) handleWebSocket(c *gin.Context) {
	var principal *auth.Principal
	if p, ok := auth.PrincipalFrom(c); ok {
		principal = &p
	}

	upgrader := s.upgrader()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection from %s: %v", c.ClientIP(), err)
		return
	}

	wsCfg := s.cfg.Server.WebSocket
	transport := newWSTransport(ws, wsCfg.SendBuffer)
	conn, err := s.Connect(transport, principal)
	if err != nil {
		s.logger.Error("Failed to register connection: %v", err)
		_ = ws.Close()
		return
	}

	go s.writePump(transport, wsCfg)
	go s.readPump(conn.ID, transport, wsCfg)
}

func (s *Service) readPump(connID string, t *wsTransport, cfg config.WebSocketConfig) {
	defer func() {
		s.Disconnect(connID)
		_ = t.Close()
		_ = t.conn.Close()
	}()

	t.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket %s closed: %v", connID, err)
			}
			return
		}
		s.HandleMessage(s.ctx, connID, message)
	}
}

func (s *Service) writePump(t *wsTransport, cfg config.WebSocketConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case message := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = t.Close()
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}
		case <-t.closed:
			_ = t.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
