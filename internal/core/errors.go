// Package core holds the error taxonomy and small shared types used across
// the relay and client packages.
package core

import "errors"

// The relay's error taxonomy. Components wrap one of these with context via
// fmt.Errorf("...: %w", ...) so callers can still errors.Is/As against the
// category while the Disconnect.Reason string carries the human-readable
// detail over the wire.
var (
	// ErrAuthFailure means the presented auth token was missing, malformed,
	// or rejected by the token store.
	ErrAuthFailure = errors.New("core: authentication failed")

	// ErrPermissionDenied means the token was valid but not authorized for
	// the requested protocol or subdomain pattern.
	ErrPermissionDenied = errors.New("core: permission denied")

	// ErrRouteConflict means the requested route (port, SNI pattern, host,
	// or custom domain) is already owned by another tunnel, live or
	// reserved.
	ErrRouteConflict = errors.New("core: route already registered")

	// ErrEndpointUnavailable means no endpoint could be allocated, e.g. the
	// configured TCP port range is exhausted.
	ErrEndpointUnavailable = errors.New("core: no endpoint available")

	// ErrProtocolViolation means a peer sent a message that is invalid for
	// the current session state (e.g. data before Connect).
	ErrProtocolViolation = errors.New("core: protocol violation")

	// ErrHeartbeatTimeout means the configured number of consecutive pongs
	// were missed.
	ErrHeartbeatTimeout = errors.New("core: heartbeat timeout")

	// ErrSNIExtractionFailed means a TLS ClientHello could not be parsed for
	// its SNI extension.
	ErrSNIExtractionFailed = errors.New("core: failed to extract SNI")

	// ErrLocalUnreachable means the client could not reach its configured
	// local upstream.
	ErrLocalUnreachable = errors.New("core: local upstream unreachable")

	// ErrTransportLoss means the underlying QUIC connection was lost.
	ErrTransportLoss = errors.New("core: transport connection lost")
)
