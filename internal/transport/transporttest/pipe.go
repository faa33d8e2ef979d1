// Package transporttest provides an in-memory transport.Conn pair for tests
// that need a real multiplexed connection without a network socket,
// mirroring how this ecosystem tests stream-multiplexed protocols against
// net.Pipe rather than a live listener.
package transporttest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/localup-dev/localup/internal/transport"
)

// Pair returns two connected transport.Conn endpoints. A stream opened on
// one side is delivered to the other side's AcceptStream call with the same
// StreamID.
func Pair() (a, b transport.Conn) {
	shared := &sharedState{}
	connA := &conn{self: "a", shared: shared, incoming: make(chan *stream, 64)}
	connB := &conn{self: "b", shared: shared, incoming: make(chan *stream, 64)}
	connA.peer = connB
	connB.peer = connA
	return connA, connB
}

type sharedState struct {
	nextID atomic.Uint64
}

type conn struct {
	self     string
	shared   *sharedState
	peer     *conn
	incoming chan *stream

	mu     sync.Mutex
	closed bool
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	id := c.shared.nextID.Add(1) - 1

	localRead, remoteWrite := net.Pipe()
	remoteRead, localWrite := net.Pipe()

	local := &stream{id: id, r: localRead, w: localWrite}
	remote := &stream{id: id, r: remoteRead, w: remoteWrite}

	select {
	case c.peer.incoming <- remote:
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}

	return local, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *conn) LocalAddr() string  { return fmt.Sprintf("pipe:%s", c.self) }
func (c *conn) RemoteAddr() string { return fmt.Sprintf("pipe:%s", c.peer.self) }

type stream struct {
	id uint64
	r  net.Conn
	w  net.Conn
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stream) Close() error {
	werr := s.w.Close()
	rerr := s.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
func (s *stream) StreamID() uint64  { return s.id }
func (s *stream) CloseWrite() error { return s.w.Close() }
