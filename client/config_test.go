package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresProtocol(t *testing.T) {
	cfg := &TunnelConfig{}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	cfg := &TunnelConfig{Protocol: "gopher"}
	assert.Error(t, cfg.Validate())
}

func TestValidateTLSRequiresSNIPattern(t *testing.T) {
	cfg := &TunnelConfig{Protocol: ProtocolTLS}
	require.Error(t, cfg.Validate())

	cfg.SNIPattern = "*.example.com"
	assert.NoError(t, cfg.Validate())
}

func TestLocalHostAndPortFromUpstream(t *testing.T) {
	cases := []struct {
		upstream string
		host     string
		port     uint16
	}{
		{"http://localhost:3000", "localhost", 3000},
		{"localhost:9443", "localhost", 9443},
		{"https://internal.service", "internal.service", 443},
		{"http://app", "app", 80},
		{"", "localhost", 0},
	}

	for _, tc := range cases {
		t.Run(tc.upstream, func(t *testing.T) {
			cfg := &TunnelConfig{Upstream: tc.upstream}
			assert.Equal(t, tc.host, cfg.LocalHost())
			assert.Equal(t, tc.port, cfg.LocalPort())
		})
	}
}

func TestWithURLDerivesProtocolAndSubdomain(t *testing.T) {
	cfg := &TunnelConfig{}
	WithURL("https://myapp.tunnel.example.com")(cfg)

	assert.Equal(t, ProtocolHTTPS, cfg.Protocol)
	assert.Equal(t, "myapp", cfg.Subdomain)
}

func TestWithUpstreamDetectsLocalHTTPS(t *testing.T) {
	cfg := &TunnelConfig{}
	WithUpstream("https://localhost:8443")(cfg)
	assert.True(t, cfg.LocalHTTPS)
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	d := time.Second
	d = nextBackoff(d, 2.0, 30*time.Second)
	assert.Equal(t, 2*time.Second, d)
	d = nextBackoff(d, 2.0, 30*time.Second)
	assert.Equal(t, 4*time.Second, d)

	d = nextBackoff(25*time.Second, 2.0, 30*time.Second)
	assert.Equal(t, 30*time.Second, d, "backoff must cap at the configured max delay")
}

func TestNewAgentRequiresAuthtoken(t *testing.T) {
	_, err := NewAgent()
	assert.Error(t, err)
}
