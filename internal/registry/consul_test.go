package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/registry"
)

func TestNewConsulRegistryFallsBackOnMalformedPort(t *testing.T) {
	reg, err := registry.NewConsulRegistry("127.0.0.1:8500", "node-1", "not-a-port")
	require.NoError(t, err)
	require.NotNil(t, reg)
}

func TestNewConsulRegistryAcceptsValidPort(t *testing.T) {
	reg, err := registry.NewConsulRegistry("127.0.0.1:8500", "node-1", "9090")
	require.NoError(t, err)
	require.NotNil(t, reg)
}
