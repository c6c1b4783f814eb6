// Package auth issues and verifies the bearer tokens that carry a
// principal's identity to the namespace server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// ErrInvalidToken is returned for tokens that fail parsing or validation.
var ErrInvalidToken = errors.New("invalid token")

// defaultKid names the key when a manager is built from a single secret.
const defaultKid = "default"

// JWTManager signs and validates tokens. It holds every accepted key by id
// so a key can be rotated without invalidating tokens already issued.
type JWTManager struct {
	keys      map[string][]byte // kid -> HMAC secret
	activeKid string            // kid used for new tokens
	duration  time.Duration     // validity of new tokens
}

// Claims is the token payload: the principal's uid and email.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager with one signing key.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{defaultKid: secretKey}, defaultKid, duration)
}

// NewJWTManagerFromKeys returns a manager accepting every key in keys and
// signing with activeKid. An unknown activeKid falls back to any key, so
// a manager is usable with a single entry and no kid.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	m := &JWTManager{keys: make(map[string][]byte, len(keys)), duration: duration}
	for kid, secret := range keys {
		m.keys[kid] = []byte(secret)
	}
	if _, ok := m.keys[activeKid]; ok {
		m.activeKid = activeKid
	} else {
		for kid := range m.keys {
			m.activeKid = kid
			break
		}
	}
	return m
}

// ParseKeys reads "kid:secret,kid2:secret2" as used by JWT_KEYS.
func ParseKeys(s string) (map[string]string, error) {
	keys := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid key entry %q", pair)
		}
		keys[kid] = secret
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys")
	}
	return keys, nil
}

// GenerateToken issues a signed token for uid. The email is normalized
// before it is embedded.
func (m *JWTManager) GenerateToken(uid, email string) (string, time.Time, error) {
	if uid == "" {
		return "", time.Time{}, errors.New("uid is required")
	}
	now := time.Now()
	expiresAt := now.Add(m.duration)

	claims := &Claims{
		UserID: uid,
		Email:  normalize.Email(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKid // lets VerifyToken pick the key after rotation

	signed, err := token.SignedString(m.keys[m.activeKid])
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// only HMAC; an asymmetric alg here would mean a forged header
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = m.activeKid
		}
		key, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PeekClaims reads the claims of a token without checking its signature.
// Clients use it to learn their own uid and email; only the server, which
// holds the keys, verifies tokens. Expired tokens are still rejected.
func PeekClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	if exp := claims.ExpiresAt; exp != nil && exp.Before(time.Now()) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext extracts claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}
