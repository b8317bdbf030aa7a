// Package token issues and verifies the signed, time-boxed
// credentials that bind a callback delivery to a run.
// Signing is delegated to a Signer (remote in production);
// verification is local against the published key set, so
// the callback hot path never calls the signing service.
package token

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/verdex-cloud/verdex/internal/verr"
)

// Claims are the token claims bound to a single run.
type Claims struct {
	RunID string `json:"run_id"`
	jwt.RegisteredClaims
}

// Service issues and verifies callback tokens.
type Service struct {
	signer Signer
	grace  time.Duration
	maxTTL time.Duration
	keys   map[string]ed25519.PublicKey
	now    func() time.Time
}

// NewService builds a token service around signer. The
// token lifetime covers the job timeout plus grace, capped
// at maxTTL.
func NewService(signer Signer, grace, maxTTL time.Duration) *Service {
	return &Service{
		signer: signer,
		grace:  grace,
		maxTTL: maxTTL,
		keys: map[string]ed25519.PublicKey{
			signer.KeyID(): signer.PublicKey(),
		},
		now: time.Now,
	}
}

// Issue mints a token for runID valid for the job timeout
// plus the grace window.
func (s *Service) Issue(ctx context.Context, runID uuid.UUID, timeout time.Duration) (string, time.Time, error) {
	ttl := timeout + s.grace
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	now := s.now().UTC()
	expiry := now.Add(ttl)

	claims := Claims{
		RunID: runID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "verdex",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.signer.KeyID()

	// the signing string is assembled locally; only the
	// signature itself comes from the (possibly remote) signer
	signingString, err := t.SigningString()
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "failed to build signing string")
	}

	sig, err := s.signer.Sign(ctx, []byte(signingString))
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "failed to sign callback token")
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), expiry, nil
}

// Verify checks the token signature, expiry, and key id,
// and confirms the run_id claim matches the declared run.
// All failure modes collapse into the same AuthError, and
// the run-id comparison is constant time, so a valid token
// presented for the wrong run is indistinguishable from an
// invalid one.
func (s *Service) Verify(tokenString string, declaredRunID uuid.UUID) (uuid.UUID, error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			pub, ok := s.keys[kid]
			if !ok {
				return nil, errors.Errorf("unknown key id %q", kid)
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer("verdex"),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !parsed.Valid {
		return uuid.Nil, &verr.AuthError{Cause: err}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return uuid.Nil, &verr.AuthError{}
	}

	if subtle.ConstantTimeCompare([]byte(claims.RunID), []byte(declaredRunID.String())) != 1 {
		return uuid.Nil, &verr.AuthError{}
	}

	runID, err := uuid.Parse(claims.RunID)
	if err != nil {
		return uuid.Nil, &verr.AuthError{Cause: err}
	}

	return runID, nil
}

// Key is one published verification key in JWK form with a
// content-derived id.
type Key struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// KeySet returns the verification keys for the public
// discovery endpoint, so callers can verify callbacks
// without reaching the signing service.
func (s *Service) KeySet() []Key {
	keys := make([]Key, 0, len(s.keys))
	for kid, pub := range s.keys {
		keys = append(keys, Key{
			Kid: kid,
			Kty: "OKP",
			Crv: "Ed25519",
			Alg: "EdDSA",
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(pub),
		})
	}
	return keys
}
