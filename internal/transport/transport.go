// Package transport abstracts the QUIC-multiplexed connection between a
// LocalUp client and the relay, on both the dialing (client) and listening
// (relay) sides.
package transport

import (
	"context"
	"io"
)

// ALPN is the TLS next-protocol token both sides must negotiate.
const ALPN = "localup-v1"

// Conn is a single multiplexed connection to a peer, able to open and
// accept independent bidirectional streams.
type Conn interface {
	// OpenStream opens a new bidirectional stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream accepts an incoming stream from the peer.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close closes the connection.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() string

	// RemoteAddr returns the remote address.
	RemoteAddr() string
}

// Stream is a bidirectional stream within a Conn.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// StreamID returns the unique identifier for this stream.
	StreamID() uint64

	// CloseWrite closes the write side of the stream without closing the
	// read side.
	CloseWrite() error
}
