// Package token signs and verifies herald access tokens. Tokens are
// self-contained JWTs: verification is pure and never touches storage,
// which keeps revocation latency bounded by the short TTL instead of a
// store lookup on every request.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed means the token could not be parsed or decoded.
	ErrMalformed = errors.New("access token malformed")
	// ErrSignatureInvalid means the token was tampered with or signed
	// with a different key.
	ErrSignatureInvalid = errors.New("access token signature invalid")
	// ErrExpired means the token's expiry has passed.
	ErrExpired = errors.New("access token expired")
)

// Config carries the codec's signing parameters.
type Config struct {
	SigningKey []byte
	AccessTTL  time.Duration
	Issuer     string
}

// Codec issues and verifies HS256 access tokens.
type Codec struct {
	config Config
	now    func() time.Time
}

// NewCodec validates cfg and builds a codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("signing key is required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access TTL must be positive")
	}
	return &Codec{config: cfg, now: time.Now}, nil
}

// WithClock replaces the codec's clock. Tests use this to drive expiry
// deterministically.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue produces a signed access token whose subject is userID.
func (c *Codec) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	issuedAt := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    c.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.config.AccessTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the subject user id.
// Failures map to exactly one of ErrMalformed, ErrSignatureInvalid or
// ErrExpired.
func (c *Codec) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (interface{}, error) { return c.config.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return "", ErrSignatureInvalid
		default:
			return "", ErrMalformed
		}
	}
	if claims.Subject == "" {
		return "", ErrMalformed
	}
	return claims.Subject, nil
}
