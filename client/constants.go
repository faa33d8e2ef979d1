package client

import "time"

// SDKVersion is the version of this client package.
const SDKVersion = "0.2.0"

// ProtocolVersion is the LocalUp wire protocol version this client speaks.
const ProtocolVersion = 1

// DefaultRelayAddr is the default relay control address.
const DefaultRelayAddr = "relay.localup.io:4443"

// Protocol identifies a public-side tunnel protocol.
type Protocol string

const (
	// ProtocolTCP creates a TCP tunnel with port-based routing.
	ProtocolTCP Protocol = "tcp"

	// ProtocolTLS creates a TLS passthrough tunnel with SNI-based routing.
	ProtocolTLS Protocol = "tls"

	// ProtocolHTTP creates an HTTP tunnel with host-based routing.
	ProtocolHTTP Protocol = "http"

	// ProtocolHTTPS creates an HTTPS tunnel terminated at the relay.
	ProtocolHTTPS Protocol = "https"
)

// Timeout and keepalive defaults.
const (
	DefaultIdleTimeout      = 30 * time.Second
	DefaultKeepAlive        = 10 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRegisterTimeout  = 5 * time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultPingMissedBudget = 2
)
