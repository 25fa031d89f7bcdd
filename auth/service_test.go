package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/sessioncore/auth/db"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/tokens"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeUsers map[string]*db.User

func (f fakeUsers) LoadUser(_ context.Context, id string) (*db.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, db.ErrUserNotFound
}

func newService(t *testing.T, opts ...Option) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	s, err := NewService(Config{Secret: "test-secret", Issuer: "sessioncore", Expiration: 15 * time.Minute},
		append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return s, clock
}

func TestNewJWTKeyManager(t *testing.T) {
	m, err := NewJWTKeyManager("", "s")
	require.NoError(t, err)
	assert.Equal(t, "HS256", m.SigningMethod())

	m, err = NewJWTKeyManager("HS512", "s")
	require.NoError(t, err)
	assert.Equal(t, "HS512", m.SigningMethod())

	_, err = NewJWTKeyManager("RS256", "s")
	assert.Error(t, err)
	_, err = NewJWTKeyManager("HS256", "")
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	s, clock := newService(t)

	raw, exp, err := s.Issue(Principal{UserID: "u1", DeviceID: "d1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, start.Add(15*time.Minute), exp)

	p, err := s.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "d1", p.DeviceID)
	assert.Equal(t, "s1", p.SessionID)
	assert.True(t, p.ExpiresAt.Equal(exp))
	assert.Equal(t, raw, p.Token)

	got, err := tokens.ExpiryFromJWT(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))

	clock.Advance(16 * time.Minute)
	_, err = s.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerify_Rejects(t *testing.T) {
	s, _ := newService(t)

	other, err := NewService(Config{Secret: "other-secret", Issuer: "sessioncore"}, WithClock(clockwork.NewFakeClockAt(start)))
	require.NoError(t, err)
	forged, _, err := other.Issue(Principal{UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewService(Config{Secret: "test-secret", Issuer: "elsewhere"}, WithClock(clockwork.NewFakeClockAt(start)))
	require.NoError(t, err)
	wrongIssuer, _, err := foreign.Issue(Principal{UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, _, err := s.Issue(Principal{})
	require.NoError(t, err)
	_, err = s.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalMatch(t *testing.T) {
	p := Principal{UserID: "u1", DeviceID: "d1"}
	assert.NoError(t, p.Match("u1", "d1", "s1"))
	assert.ErrorIs(t, p.Match("u2", "d1", ""), ErrIdentityMismatch)
	assert.ErrorIs(t, p.Match("u1", "d2", ""), ErrIdentityMismatch)

	scoped := Principal{UserID: "u1", SessionID: "s1"}
	assert.NoError(t, scoped.Match("u1", "any", ""))
	assert.ErrorIs(t, scoped.Match("u1", "any", "s2"), ErrIdentityMismatch)
}

func TestCheckUser(t *testing.T) {
	open, _ := newService(t)
	assert.NoError(t, open.CheckUser(context.Background(), "anyone"))

	s, _ := newService(t, WithUsers(fakeUsers{
		"u1": {ID: "u1"},
		"u2": {ID: "u2", Disabled: true},
	}))
	assert.NoError(t, s.CheckUser(context.Background(), "u1"))
	assert.ErrorIs(t, s.CheckUser(context.Background(), "u2"), ErrUserDisabled)
	assert.ErrorIs(t, s.CheckUser(context.Background(), "u3"), db.ErrUserNotFound)
}

func TestRefresh(t *testing.T) {
	s, clock := newService(t, WithUsers(fakeUsers{"u1": {ID: "u1"}}))
	clock.Advance(10 * time.Minute)

	res, err := s.Refresh(context.Background(), tokens.RefreshRequest{UserID: "u1", DeviceID: "d1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, start.Add(25*time.Minute), res.ExpiresAt)

	p, err := s.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "s1", p.SessionID)

	// unknown users are not retried
	calls := 0
	_, err = retry.DoValue(context.Background(), retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond}, "refresh", func() (tokens.RefreshResult, error) {
		calls++
		return s.Refresh(context.Background(), tokens.RefreshRequest{UserID: "ghost"})
	})
	assert.ErrorIs(t, err, db.ErrUserNotFound)
	assert.Equal(t, 1, calls)
}

func TestUpgradeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newService(t)
	valid, _, err := s.Issue(Principal{UserID: "u1", DeviceID: "d1"})
	require.NoError(t, err)

	route := func(required bool) *gin.Engine {
		r := gin.New()
		r.GET("/ws", UpgradeMiddleware(s, required), func(c *gin.Context) {
			p, ok := PrincipalFrom(c)
			if !ok {
				c.String(http.StatusOK, "anonymous")
				return
			}
			c.String(http.StatusOK, p.UserID)
		})
		return r
	}

	tests := []struct {
		name     string
		required bool
		url      string
		header   string
		code     int
		body     string
	}{
		{"query token", true, "/ws?token=" + valid, "", http.StatusOK, "u1"},
		{"bearer header", true, "/ws", "Bearer " + valid, http.StatusOK, "u1"},
		{"missing optional", false, "/ws", "", http.StatusOK, "anonymous"},
		{"missing required", true, "/ws", "", http.StatusUnauthorized, ""},
		{"invalid optional", false, "/ws?token=garbage", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			route(tt.required).ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRefreshPropagatesLookupFailure(t *testing.T) {
	boom := errors.New("db down")
	s, _ := newService(t, WithUsers(failingUsers{err: boom}))
	_, err := s.Refresh(context.Background(), tokens.RefreshRequest{UserID: "u1"})
	assert.ErrorIs(t, err, boom)
}

type failingUsers struct{ err error }

func (f failingUsers) LoadUser(context.Context, string) (*db.User, error) { return nil, f.err }
