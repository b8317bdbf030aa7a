package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdex-cloud/verdex/internal/verr"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	signer, err := NewStaticSigner()
	require.NoError(t, err)

	return NewService(signer, 10*time.Minute, 24*time.Hour)
}

func TestIssueVerify(t *testing.T) {
	var (
		svc   = newTestService(t)
		runID = uuid.New()
	)

	tok, expiry, err := svc.Issue(context.Background(), runID, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.WithinDuration(t, time.Now().Add(time.Hour+10*time.Minute), expiry, time.Minute)

	got, err := svc.Verify(tok, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, got)
}

func TestVerifyWrongRun(t *testing.T) {
	svc := newTestService(t)

	tok, _, err := svc.Issue(context.Background(), uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(tok, uuid.New())
	assert.True(t, verr.IsAuth(err))
}

func TestVerifyExpired(t *testing.T) {
	var (
		svc   = newTestService(t)
		runID = uuid.New()
	)

	tok, _, err := svc.Issue(context.Background(), runID, time.Hour)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = svc.Verify(tok, runID)
	assert.True(t, verr.IsAuth(err))
}

func TestVerifyForeignKey(t *testing.T) {
	var (
		issuing   = newTestService(t)
		verifying = newTestService(t)
		runID     = uuid.New()
	)

	tok, _, err := issuing.Issue(context.Background(), runID, time.Hour)
	require.NoError(t, err)

	// different service, different key set, same kid scheme
	_, err = verifying.Verify(tok, runID)
	assert.True(t, verr.IsAuth(err))
}

func TestVerifyGarbage(t *testing.T) {
	svc := newTestService(t)

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		_, err := svc.Verify(tok, uuid.New())
		assert.True(t, verr.IsAuth(err), "token %q", tok)
	}
}

func TestAuthErrorUniform(t *testing.T) {
	var (
		svc   = newTestService(t)
		runID = uuid.New()
	)

	tok, _, err := svc.Issue(context.Background(), runID, time.Hour)
	require.NoError(t, err)

	_, wrongRun := svc.Verify(tok, uuid.New())
	_, garbage := svc.Verify("garbage", runID)

	// rejection reasons must not leak through the message
	require.Error(t, wrongRun)
	require.Error(t, garbage)
	assert.Equal(t, wrongRun.Error(), garbage.Error())
}

func TestIssueTTLCap(t *testing.T) {
	signer, err := NewStaticSigner()
	require.NoError(t, err)

	svc := NewService(signer, 10*time.Minute, time.Hour)

	_, expiry, err := svc.Issue(context.Background(), uuid.New(), 48*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, time.Minute)
}

func TestDeriveKeyID(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a, err := DeriveKeyID(pub)
	require.NoError(t, err)
	b, err := DeriveKeyID(pub)
	require.NoError(t, err)

	// content-derived: stable for the same key, 8 bytes hex
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c, err := DeriveKeyID(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestKeySet(t *testing.T) {
	signer, err := NewStaticSigner()
	require.NoError(t, err)

	svc := NewService(signer, time.Minute, time.Hour)

	keys := svc.KeySet()
	require.Len(t, keys, 1)
	assert.Equal(t, signer.KeyID(), keys[0].Kid)
	assert.Equal(t, "OKP", keys[0].Kty)
	assert.Equal(t, "Ed25519", keys[0].Crv)
	assert.Equal(t, "EdDSA", keys[0].Alg)
	assert.Equal(t, "sig", keys[0].Use)
	assert.NotEmpty(t, keys[0].X)
}
