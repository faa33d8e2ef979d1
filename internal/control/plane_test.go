package control

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/auth"
)

func TestNewRequiresTLSConfig(t *testing.T) {
	_, err := New(Config{TokenStore: auth.NewStaticTokenStore()})
	assert.ErrorContains(t, err, "TLSConfig")
}

func TestNewRequiresTokenStore(t *testing.T) {
	_, err := New(Config{TLSConfig: &tls.Config{}})
	assert.ErrorContains(t, err, "TokenStore")
}

func TestNewWiresCollaborators(t *testing.T) {
	plane, err := New(Config{
		TLSConfig:  &tls.Config{},
		TokenStore: auth.NewStaticTokenStore(),
		Domain:     "tunnel.example.com",
	})
	require.NoError(t, err)

	assert.NotNil(t, plane.Registry())
	assert.NotNil(t, plane.Hooks())
	assert.NotNil(t, plane.Certs())
}

func TestNewGeneratesOwnCertProviderWhenNoneSupplied(t *testing.T) {
	plane, err := New(Config{
		TLSConfig:  &tls.Config{},
		TokenStore: auth.NewStaticTokenStore(),
	})
	require.NoError(t, err)

	_, ok := plane.Certs().Lookup("anything.example.com")
	assert.False(t, ok, "a freshly built Plane's cert provider must start empty")
}
