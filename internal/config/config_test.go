package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/config"
)

func TestValidateJWTSecretRejectsShort(t *testing.T) {
	err := config.ValidateJWTSecret("too-short")
	require.Error(t, err)
}

func TestValidateJWTSecretRejectsLowDiversity(t *testing.T) {
	err := config.ValidateJWTSecret(strings.Repeat("a", 40))
	require.Error(t, err)
}

func TestValidateJWTSecretAcceptsStrong(t *testing.T) {
	err := config.ValidateJWTSecret("Tr0ub4dor&3-XyZ-random-enough-secret-value-123")
	require.NoError(t, err)
}

func TestJWTKeyManagerRotation(t *testing.T) {
	config.InitializeKeyManager("initial-secret-with-enough-length-and-variety-00")
	require.Equal(t, "initial-secret-with-enough-length-and-variety-00", config.GetCurrentSecret())
	require.Empty(t, config.GetPreviousSecret())

	next := "rotated-secret-with-enough-length-and-variety-001"
	require.NoError(t, config.RotateSecret(next))

	require.Equal(t, next, config.GetCurrentSecret())
	require.Equal(t, "initial-secret-with-enough-length-and-variety-00", config.GetPreviousSecret())

	current, previous, hasPrevious := config.GetAllActiveSecrets()
	require.Equal(t, next, current)
	require.True(t, hasPrevious)
	require.Equal(t, "initial-secret-with-enough-length-and-variety-00", previous)
}

func TestJWTKeyManagerRotateRejectsShortSecret(t *testing.T) {
	config.InitializeKeyManager("initial-secret-with-enough-length-and-variety-00")
	err := config.RotateSecret("short")
	require.Error(t, err)
}

func TestRotationIntervalEnforcesMinimum(t *testing.T) {
	config.SetRotationInterval(time.Minute)
	_, interval := config.GetRotationInfo()
	require.Equal(t, time.Hour, interval) // below-minimum request is clamped up
}

func TestShouldRotateReflectsInterval(t *testing.T) {
	config.InitializeKeyManager("initial-secret-with-enough-length-and-variety-00")
	config.SetRotationInterval(time.Hour)
	require.False(t, config.ShouldRotate())
}

func TestDefaultProtocolTunables(t *testing.T) {
	d := config.DefaultProtocolTunables()
	require.Equal(t, 30*24*time.Hour, d.SignedPrekeyValidity)
	require.Equal(t, 1000, d.MaxSkippedKeys)
	require.Equal(t, uint32(3), d.Argon2Time)
}
