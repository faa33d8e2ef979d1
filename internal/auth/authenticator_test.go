package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/wire"
)

func strPtr(s string) *string { return &s }

func TestAuthenticateSuccess(t *testing.T) {
	store := NewStaticTokenStore()
	store.Add(&TokenRecord{Token: "abc123", OwnerID: "owner-1", MaxTunnels: 2})

	authr := NewAuthenticator(store)

	record, err := authr.Authenticate("abc123", []wire.ProtocolSpec{{Type: "http"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", record.OwnerID)
}

func TestAuthenticateUnknownToken(t *testing.T) {
	authr := NewAuthenticator(NewStaticTokenStore())

	_, err := authr.Authenticate("nope", nil, nil)
	assert.Error(t, err)
}

func TestAuthenticateEmptyToken(t *testing.T) {
	authr := NewAuthenticator(NewStaticTokenStore())

	_, err := authr.Authenticate("", nil, nil)
	assert.Error(t, err)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	store := NewStaticTokenStore()
	past := time.Now().Add(-time.Hour)
	store.Add(&TokenRecord{Token: "old", ExpiresAt: &past})

	authr := NewAuthenticator(store)
	_, err := authr.Authenticate("old", nil, nil)
	assert.Error(t, err)
}

func TestAuthenticateRevokedToken(t *testing.T) {
	store := NewStaticTokenStore()
	store.Add(&TokenRecord{Token: "gone"})
	store.Revoke("gone")

	authr := NewAuthenticator(store)
	_, err := authr.Authenticate("gone", nil, nil)
	assert.Error(t, err)
}

func TestAuthenticateTunnelLimit(t *testing.T) {
	store := NewStaticTokenStore()
	store.Add(&TokenRecord{Token: "limited", MaxTunnels: 1})

	authr := NewAuthenticator(store)

	live := 0
	count := func(string) int { return live }

	_, err := authr.Authenticate("limited", nil, count)
	require.NoError(t, err)

	live = 1
	_, err = authr.Authenticate("limited", nil, count)
	assert.Error(t, err)
}

func TestAuthenticateProtocolNotAllowed(t *testing.T) {
	store := NewStaticTokenStore()
	store.Add(&TokenRecord{Token: "scoped", AllowedProtocols: []string{"http"}})

	authr := NewAuthenticator(store)

	_, err := authr.Authenticate("scoped", []wire.ProtocolSpec{{Type: "http"}}, nil)
	require.NoError(t, err)

	_, err = authr.Authenticate("scoped", []wire.ProtocolSpec{{Type: "tcp"}}, nil)
	assert.Error(t, err)
}

func TestAuthenticateSubdomainScope(t *testing.T) {
	store := NewStaticTokenStore()
	store.Add(&TokenRecord{Token: "scoped", AllowedSubdomainPatterns: []string{"demo-*"}})

	authr := NewAuthenticator(store)

	_, err := authr.Authenticate("scoped", []wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("demo-staging")}}, nil)
	require.NoError(t, err)

	_, err = authr.Authenticate("scoped", []wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("prod")}}, nil)
	assert.Error(t, err)

	// Auto-assigned subdomains (no explicit label) are not scope-checked.
	_, err = authr.Authenticate("scoped", []wire.ProtocolSpec{{Type: "http"}}, nil)
	assert.NoError(t, err)
}

func TestAuthenticateTouchesLastUsed(t *testing.T) {
	store := NewStaticTokenStore()
	store.Add(&TokenRecord{Token: "active"})

	authr := NewAuthenticator(store)
	before := time.Now()

	_, err := authr.Authenticate("active", nil, nil)
	require.NoError(t, err)

	record, ok := store.Lookup("active")
	require.True(t, ok)
	assert.False(t, record.LastUsedAt.Before(before))
}
