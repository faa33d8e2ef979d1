package client

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/core"
)

func TestDialLocalSurfacesLocalUnreachable(t *testing.T) {
	// Grab a port the OS just released so the dial is refused, not routed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tun := &Tunnel{config: &TunnelConfig{Upstream: addr}}

	_, err = tun.dialLocal()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLocalUnreachable)
}
