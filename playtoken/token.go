// Package playtoken issues and verifies the access tokens that bind a runner
// to one play and one permission class.
package playtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Class is the permission class a token grants.
type Class string

const (
	Authoring Class = "authoring"
	Observing Class = "observing"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("playtoken: invalid token")

// Claims is the JWT payload.
type Claims struct {
	PlayID string `json:"play_id"`
	Class  Class  `json:"class"`
	jwt.RegisteredClaims
}

// Issuer signs and parses play tokens with one HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an Issuer. An empty secret is replaced by a random one,
// which scopes tokens to this process.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if secret == "" {
		secret = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for playID with the given class.
func (i *Issuer) Issue(playID string, class Class) (string, error) {
	if class != Authoring && class != Observing {
		return "", fmt.Errorf("playtoken: unknown class %q", class)
	}
	now := time.Now()
	claims := &Claims{
		PlayID: playID,
		Class:  class,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse validates a token string and returns its claims.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
