package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// VaultSigner signs through Vault's transit engine. The
// private key lives in Vault; every Sign call is a remote
// sign operation against a named ed25519 transit key.
type VaultSigner struct {
	client *vault.Client
	key    string
	pub    ed25519.PublicKey
	keyID  string
}

// NewVaultSigner connects to Vault, exports the public half
// of the transit key, and derives the content-based key id.
func NewVaultSigner(ctx context.Context, addr, authToken, key string) (*VaultSigner, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vault client")
	}
	client.SetToken(authToken)

	pub, err := readTransitPublicKey(ctx, client, key)
	if err != nil {
		return nil, err
	}

	kid, err := DeriveKeyID(pub)
	if err != nil {
		return nil, err
	}

	return &VaultSigner{client: client, key: key, pub: pub, keyID: kid}, nil
}

func (s *VaultSigner) KeyID() string                { return s.keyID }
func (s *VaultSigner) PublicKey() ed25519.PublicKey { return s.pub }

// Sign requests a detached signature from the transit
// engine. Vault returns "vault:v<n>:<base64>".
func (s *VaultSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	secret, err := s.client.Logical().WriteWithContext(
		ctx,
		"transit/sign/"+s.key,
		map[string]interface{}{
			"input": base64.StdEncoding.EncodeToString(data),
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "transit sign failed")
	}

	raw, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, errors.New("transit sign returned no signature")
	}

	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("unexpected transit signature format: %q", raw)
	}

	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode transit signature")
	}

	return sig, nil
}

func readTransitPublicKey(ctx context.Context, client *vault.Client, key string) (ed25519.PublicKey, error) {
	secret, err := client.Logical().ReadWithContext(ctx, "transit/keys/"+key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read transit key %q", key)
	}
	if secret == nil {
		return nil, fmt.Errorf("transit key %q does not exist", key)
	}

	latest := fmt.Sprintf("%v", secret.Data["latest_version"])

	versions, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transit key %q has no versions", key)
	}

	version, ok := versions[latest].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transit key %q missing version %s", key, latest)
	}

	encoded, ok := version["public_key"].(string)
	if !ok {
		return nil, fmt.Errorf("transit key %q version %s has no public key", key, latest)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode transit public key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("transit key %q is not ed25519", key)
	}

	return ed25519.PublicKey(raw), nil
}
