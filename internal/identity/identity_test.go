package identity_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/identity"
)

func randomSeed(t *testing.T) [64]byte {
	t.Helper()
	seed, err := identity.SeedFromReader(rand.Reader)
	require.NoError(t, err)
	return seed
}

func TestNewKeyPairDeterministic(t *testing.T) {
	seed := randomSeed(t)

	a, err := identity.NewKeyPair(seed)
	require.NoError(t, err)
	b, err := identity.NewKeyPair(seed)
	require.NoError(t, err)

	require.Equal(t, a.Public().Ed25519, b.Public().Ed25519)
	require.Equal(t, a.Public().X25519, b.Public().X25519)
}

func TestNewKeyPairDistinctSeedsDiverge(t *testing.T) {
	a, err := identity.NewKeyPair(randomSeed(t))
	require.NoError(t, err)
	b, err := identity.NewKeyPair(randomSeed(t))
	require.NoError(t, err)

	require.NotEqual(t, a.Public().Ed25519, b.Public().Ed25519)
}

func TestSignAndVerifySelf(t *testing.T) {
	kp, err := identity.NewKeyPair(randomSeed(t))
	require.NoError(t, err)

	msg := []byte("fingerprint this")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)

	require.True(t, kp.Public().VerifySelf(msg, sig))
	require.False(t, kp.Public().VerifySelf([]byte("tampered"), sig))
}

func TestWipeDisablesKeyPair(t *testing.T) {
	kp, err := identity.NewKeyPair(randomSeed(t))
	require.NoError(t, err)

	kp.Wipe()

	_, err = kp.Sign([]byte("after wipe"))
	require.Error(t, err)

	_, err = kp.AgreementPrivate()
	require.Error(t, err)
}

func TestFingerprintIsStableAndGrouped(t *testing.T) {
	kp, err := identity.NewKeyPair(randomSeed(t))
	require.NoError(t, err)

	pub := kp.Public()
	fp1 := pub.Fingerprint()
	fp2 := pub.Fingerprint()
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 32+7) // 32 hex chars in 8 groups of 4, joined by 7 spaces
}

func TestSeedFromPassphraseIsDeterministicGivenSameSalt(t *testing.T) {
	salt := []byte("a-stable-salt-value")
	params := identity.DefaultArgon2Params()

	seedA := identity.SeedFromPassphrase("correct horse battery staple", salt, params)
	seedB := identity.SeedFromPassphrase("correct horse battery staple", salt, params)
	require.Equal(t, seedA, seedB)

	seedC := identity.SeedFromPassphrase("a different passphrase", salt, params)
	require.NotEqual(t, seedA, seedC)
}
