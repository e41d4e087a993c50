package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTrustRootStableAcrossCallsWithSameSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	t.Setenv("TRUST_ROOT_SEED", hex.EncodeToString(seed))

	pub1, priv1 := loadTrustRoot()
	pub2, priv2 := loadTrustRoot()

	require.Equal(t, pub1, pub2)
	require.Equal(t, priv1, priv2)
	require.Equal(t, priv1.Public(), ed25519.PublicKey(pub1))
}

func TestLoadTrustRootFallsBackWhenSeedMalformed(t *testing.T) {
	t.Setenv("TRUST_ROOT_SEED", "not-valid-hex")

	pub, priv := loadTrustRoot()
	require.Len(t, pub, ed25519.PublicKeySize)
	require.Len(t, priv, ed25519.PrivateKeySize)
}

func TestLoadTrustRootGeneratesEphemeralWhenUnset(t *testing.T) {
	require.NoError(t, os.Unsetenv("TRUST_ROOT_SEED"))

	pub1, _ := loadTrustRoot()
	pub2, _ := loadTrustRoot()
	require.NotEqual(t, pub1, pub2) // no seed means a fresh keypair every call
}
