package certs

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) *tls.Certificate {
	t.Helper()
	// A minimal cert is not needed: Provider never parses the bytes, only
	// stores the pointer, so a zero-value Certificate is sufficient here.
	return &tls.Certificate{}
}

func TestLookupExactMatch(t *testing.T) {
	p := NewProvider()
	cert := selfSignedCert(t)
	p.Set("api.example.com", cert, SourceStatic)

	got, ok := p.Lookup("api.example.com")
	require.True(t, ok)
	assert.Same(t, cert, got)
}

func TestLookupCaseInsensitive(t *testing.T) {
	p := NewProvider()
	cert := selfSignedCert(t)
	p.Set("API.Example.com", cert, SourceStatic)

	_, ok := p.Lookup("api.example.com")
	assert.True(t, ok)
}

func TestLookupWildcardFallback(t *testing.T) {
	p := NewProvider()
	cert := selfSignedCert(t)
	p.Set("*.tunnel.example.com", cert, SourceCustomDomain)

	got, ok := p.Lookup("myapp.tunnel.example.com")
	require.True(t, ok)
	assert.Same(t, cert, got)

	_, ok = p.Lookup("tunnel.example.com")
	assert.False(t, ok, "a bare domain must not match a *.suffix wildcard entry")
}

func TestRemoveDeletesEntry(t *testing.T) {
	p := NewProvider()
	p.Set("api.example.com", selfSignedCert(t), SourceStatic)
	p.Remove("api.example.com")

	_, ok := p.Lookup("api.example.com")
	assert.False(t, ok)
}

func TestGetCertificateReturnsErrorForUnknownSNI(t *testing.T) {
	p := NewProvider()

	_, err := p.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnrecognizedName)
}

func TestSetReplacesExistingEntry(t *testing.T) {
	p := NewProvider()
	first := selfSignedCert(t)
	second := selfSignedCert(t)

	p.Set("api.example.com", first, SourceStatic)
	p.Set("api.example.com", second, SourceACME)

	got, ok := p.Lookup("api.example.com")
	require.True(t, ok)
	assert.Same(t, second, got)
}
