package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTKeyManager signs and verifies session tokens with a shared secret
type JWTKeyManager struct {
	signingMethod jwt.SigningMethod
	key           []byte
}

// NewJWTKeyManager creates a key manager for an HMAC signing method
func NewJWTKeyManager(method, secret string) (*JWTKeyManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("hmac secret is required for %s", method)
	}
	m := &JWTKeyManager{key: []byte(secret)}
	switch method {
	case "", "HS256":
		m.signingMethod = jwt.SigningMethodHS256
	case "HS384":
		m.signingMethod = jwt.SigningMethodHS384
	case "HS512":
		m.signingMethod = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", method)
	}
	return m, nil
}

// SigningMethod returns the configured method name
func (m *JWTKeyManager) SigningMethod() string {
	return m.signingMethod.Alg()
}

// CreateToken signs claims
func (m *JWTKeyManager) CreateToken(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(m.signingMethod, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses raw into claims, rejecting any other signing method
func (m *JWTKeyManager) VerifyToken(raw string, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error) {
	opts = append(opts, jwt.WithValidMethods([]string{m.signingMethod.Alg()}))
	return jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, opts...)
}
