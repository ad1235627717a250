// Package streamtoken mints and verifies the short-lived tokens that are the
// sole credential on /stream/* endpoints. Tokens are HS256, 60 seconds, and
// single-use: the jti is burned in KV on first verification.
package streamtoken

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/kv"
)

const (
	Issuer   = "nexus-stream"
	Audience = "nexus-api"
	Scope    = "stream"
	TTL      = 60 * time.Second

	minKeyBytes = 32
)

type claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Service mints and verifies stream tokens.
type Service struct {
	key   []byte
	store kv.Store
	now   func() time.Time
}

// New decodes the base64 signing key and builds a Service. A short key is a
// startup failure, not a runtime one.
func New(signingKeyB64 string, store kv.Store) (*Service, error) {
	if signingKeyB64 == "" {
		return nil, errors.New("stream signing key is not set")
	}
	key, err := base64.StdEncoding.DecodeString(signingKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode stream signing key: %w", err)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("stream signing key is %d bytes, need at least %d", len(key), minKeyBytes)
	}
	return &Service{key: key, store: store, now: time.Now}, nil
}

// Mint issues a single-use token for the user.
func (s *Service) Mint(userID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(TTL)
	c := claims{
		Scope: Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign stream token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer, audience, scope, and expiry, then burns
// the jti. A second verification of the same token fails with
// E_STREAM_TOKEN_REPLAYED. The replay guard fails closed: no KV, no stream.
func (s *Service) Verify(ctx context.Context, raw string) (uuid.UUID, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return uuid.Nil, apperr.New(apperr.EStreamTokenExpired, "stream token expired")
	}
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.EStreamTokenInvalid, "invalid stream token", err)
	}
	if c.Scope != Scope || c.ID == "" {
		return uuid.Nil, apperr.New(apperr.EStreamTokenInvalid, "invalid stream token")
	}
	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.EStreamTokenInvalid, "invalid stream token")
	}

	ttl := c.ExpiresAt.Time.Sub(s.now())
	if ttl <= 0 {
		return uuid.Nil, apperr.New(apperr.EStreamTokenExpired, "stream token expired")
	}
	first, err := s.store.SetNX(ctx, "stream:jti:"+c.ID, "1", ttl)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.EStreamTokenInvalid, "stream token verification unavailable", err)
	}
	if !first {
		return uuid.Nil, apperr.New(apperr.EStreamTokenReplayed, "stream token already used")
	}
	return userID, nil
}
