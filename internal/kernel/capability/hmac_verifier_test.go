package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

func newTestVerifier() *HMACVerifier {
	return NewHMACVerifier(HMACVerifierConfig{
		Secret:     "test-secret",
		Issuer:     "test-issuer",
		DefaultTTL: time.Minute,
	})
}

func TestHMACVerifierIssueAndVerify(t *testing.T) {
	v := newTestVerifier()

	encoded, tok, err := v.Issue("tok-1", 42, RightSpawnAgent|RightAdmin, Quota{MaxMemoryBytes: 1024}, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
	assert.Equal(t, uint64(42), tok.Subject)

	verified, err := v.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", verified.TokenID)
	assert.True(t, verified.Rights.Has(RightSpawnAgent))
	assert.True(t, verified.Rights.Has(RightAdmin))
	assert.False(t, verified.Rights.Has(RightKillAgent))
}

func TestHMACVerifierRejectsTamperedToken(t *testing.T) {
	v := newTestVerifier()
	encoded, _, err := v.Issue("tok-1", 1, RightSpawnAgent, Quota{}, time.Minute)
	require.NoError(t, err)

	tampered := encoded + "x"
	_, err = v.Verify(tampered)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindCapabilityDenied, kernelerr.KindOf(err))
}

func TestHMACVerifierRejectsExpiredToken(t *testing.T) {
	v := newTestVerifier()
	encoded, _, err := v.Issue("tok-1", 1, RightSpawnAgent, Quota{}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(encoded)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindTokenExpired, kernelerr.KindOf(err))
}

func TestHMACVerifierRevoke(t *testing.T) {
	v := newTestVerifier()
	encoded, _, err := v.Issue("tok-1", 1, RightSpawnAgent, Quota{}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, v.Revoke("tok-1"))

	_, err = v.Verify(encoded)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindTokenRevoked, kernelerr.KindOf(err))
}

func TestHMACVerifierRotateKeyGraceWindow(t *testing.T) {
	v := newTestVerifier()
	encoded, _, err := v.Issue("tok-1", 1, RightSpawnAgent, Quota{}, time.Minute)
	require.NoError(t, err)

	v.RotateKey("new-secret", time.Minute)

	verified, err := v.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", verified.TokenID)
}
