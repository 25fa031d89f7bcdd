// Package auth verifies the identity presented on the websocket upgrade and
// reissues session tokens for the refresh coordinator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/sessioncore/auth/db"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/slogging"
	"github.com/ericfitz/sessioncore/internal/tokens"
)

var (
	// ErrInvalidToken wraps every token verification failure
	ErrInvalidToken = errors.New("invalid token")
	// ErrUserDisabled is returned for users that may not connect
	ErrUserDisabled = errors.New("user disabled")
	// ErrIdentityMismatch is returned when an auth message names a different
	// user or device than the verified token
	ErrIdentityMismatch = errors.New("identity does not match token")
)

// Config holds token settings
type Config struct {
	Secret        string
	SigningMethod string
	Issuer        string
	Expiration    time.Duration
}

// Claims are the session token claims; Subject is the user id
type Claims struct {
	jwt.RegisteredClaims
	DeviceID  string `json:"device_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Principal is a verified token holder
type Principal struct {
	UserID    string
	DeviceID  string
	SessionID string
	ExpiresAt time.Time
	Token     string
}

// Users is the user collaborator
type Users interface {
	LoadUser(ctx context.Context, id string) (*db.User, error)
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithUsers checks every authenticated and refreshed user against users
func WithUsers(users Users) Option {
	return func(s *Service) { s.users = users }
}

// Service issues and verifies session tokens
type Service struct {
	keys   *JWTKeyManager
	cfg    Config
	users  Users
	clock  clockwork.Clock
	logger *slogging.Logger
}

// NewService creates a token service
func NewService(cfg Config, opts ...Option) (*Service, error) {
	keys, err := NewJWTKeyManager(cfg.SigningMethod, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWT keys: %w", err)
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Hour
	}
	s := &Service{
		keys:   keys,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slogging.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a token for the principal's user, device and session
func (s *Service) Issue(p Principal) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(s.cfg.Expiration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		DeviceID:  p.DeviceID,
		SessionID: p.SessionID,
	}
	raw, err := s.keys.CreateToken(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	// exp is encoded with second precision
	return raw, claims.ExpiresAt.Time, nil
}

// Verify checks the signature, issuer and expiry of raw
func (s *Service) Verify(raw string) (Principal, error) {
	var claims Claims
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired()}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if _, err := s.keys.VerifyToken(raw, &claims, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return Principal{
		UserID:    claims.Subject,
		DeviceID:  claims.DeviceID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
		Token:     raw,
	}, nil
}

// CheckUser confirms the user exists and is enabled; without a user
// collaborator every user passes
func (s *Service) CheckUser(ctx context.Context, userID string) error {
	if s.users == nil {
		return nil
	}
	user, err := s.users.LoadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Disabled {
		return fmt.Errorf("%w: %s", ErrUserDisabled, userID)
	}
	return nil
}

// Match confirms that an auth message agrees with the verified principal.
// Empty principal fields match anything.
func (p Principal) Match(userID, deviceID, sessionID string) error {
	switch {
	case p.UserID != userID:
		return fmt.Errorf("%w: user %s", ErrIdentityMismatch, userID)
	case p.DeviceID != "" && p.DeviceID != deviceID:
		return fmt.Errorf("%w: device %s", ErrIdentityMismatch, deviceID)
	case p.SessionID != "" && sessionID != "" && p.SessionID != sessionID:
		return fmt.Errorf("%w: session %s", ErrIdentityMismatch, sessionID)
	}
	return nil
}

// Refresh reissues the session token; it is the token coordinator's Refresher
func (s *Service) Refresh(ctx context.Context, req tokens.RefreshRequest) (tokens.RefreshResult, error) {
	if err := s.CheckUser(ctx, req.UserID); err != nil {
		if errors.Is(err, db.ErrUserNotFound) || errors.Is(err, ErrUserDisabled) {
			return tokens.RefreshResult{}, retry.Permanent(err)
		}
		return tokens.RefreshResult{}, err
	}
	raw, exp, err := s.Issue(Principal{UserID: req.UserID, DeviceID: req.DeviceID, SessionID: req.SessionID})
	if err != nil {
		return tokens.RefreshResult{}, retry.Permanent(err)
	}
	s.logger.Debug("Reissued token for user %s session %s, expires %s", req.UserID, req.SessionID, exp.Format(time.RFC3339))
	return tokens.RefreshResult{Token: raw, ExpiresAt: exp}, nil
}
