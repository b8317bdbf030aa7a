package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Signer produces detached Ed25519 signatures for callback
// tokens. Production deployments sign remotely; the private
// key is never required to be in-process.
type Signer interface {
	// KeyID returns the content-derived id of the active
	// verification key.
	KeyID() string
	// PublicKey returns the verification key matching KeyID.
	PublicKey() ed25519.PublicKey
	// Sign signs data. Implementations may block on network I/O.
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// DeriveKeyID computes the content-derived key id: the
// truncated hex SHA-256 of the DER-encoded public key.
// Verifiers can recompute it from the published key alone.
func DeriveKeyID(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode public key")
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// StaticSigner signs in-process with a locally held key.
// Intended for development and tests only.
type StaticSigner struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewStaticSigner generates a fresh Ed25519 key pair.
func NewStaticSigner() (*StaticSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate signing key")
	}
	kid, err := DeriveKeyID(pub)
	if err != nil {
		return nil, err
	}
	return &StaticSigner{priv: priv, pub: pub, keyID: kid}, nil
}

func (s *StaticSigner) KeyID() string                { return s.keyID }
func (s *StaticSigner) PublicKey() ed25519.PublicKey { return s.pub }

func (s *StaticSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}
