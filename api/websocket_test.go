package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/internal/config"
	"github.com/ericfitz/sessioncore/internal/protocol"
)

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(u, header)
}

func readUntil(t *testing.T, ws *websocket.Conn, msgType protocol.MessageType) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Type == msgType {
			return env
		}
	}
}

func TestWebSocket_AuthenticatesWithUpgradeToken(t *testing.T) {
	env := setup(t, func(c *config.Config) { c.Auth.RequireToken = true })
	srv := httptest.NewServer(env.svc.Router())
	t.Cleanup(srv.Close)

	raw, _, err := env.auth.Issue(auth.Principal{UserID: "u1", DeviceID: "d1", SessionID: "s1"})
	require.NoError(t, err)

	ws, _, err := dial(t, srv, "?token="+raw, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	frame, err := protocol.Encode(protocol.MessageTypeAuth, protocol.AuthPayload{UserID: "u1", DeviceID: "d1", TabID: "t1"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	reply := readUntil(t, ws, protocol.MessageTypeAuthenticated)
	var p protocol.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, []string{"tab:t1", "session:s1", "device:d1", "user:u1"}, p.Rooms)
	assert.Equal(t, 1, env.svc.Connections().Count())

	// a frame for another user is refused by the upgrade principal
	frame, err = protocol.Encode(protocol.MessageTypeAuth, protocol.AuthPayload{UserID: "u2", DeviceID: "d1", TabID: "t1"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	reply = readUntil(t, ws, protocol.MessageTypeError)
	var e protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &e))
	assert.Equal(t, protocol.ErrorCodeNotAuthenticated, e.Code)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return env.svc.Connections().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsUpgrade(t *testing.T) {
	env := setup(t, func(c *config.Config) { c.Auth.RequireToken = true })
	srv := httptest.NewServer(env.svc.Router())
	t.Cleanup(srv.Close)

	_, resp, err := dial(t, srv, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_CheckOrigin(t *testing.T) {
	env := setup(t, func(c *config.Config) { c.Server.AllowedOrigins = []string{"https://app.example.com"} })
	srv := httptest.NewServer(env.svc.Router())
	t.Cleanup(srv.Close)

	_, resp, err := dial(t, srv, "", http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := dial(t, srv, "", http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	_ = ws.Close()
}
