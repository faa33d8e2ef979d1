// Package tcp implements the relay's raw-TCP protocol router: port-based
// routing with no protocol inspection beyond the peer address.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localup-dev/localup/internal/observability"
	"github.com/localup-dev/localup/internal/registry"
	"github.com/localup-dev/localup/internal/session"
	"github.com/localup-dev/localup/internal/transport"
	"github.com/localup-dev/localup/internal/wire"
)

// copyBufferSize matches the client SDK's byte-copy chunk size.
const copyBufferSize = 32 * 1024

// Router listens on every public TCP port allocated to a live tunnel and
// proxies bytes to it over a dedicated stream.
type Router struct {
	registry *registry.Registry
	sessions *session.Manager
	hooks    *observability.Hooks
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[uint16]net.Listener
}

// New creates a TCP router.
func New(reg *registry.Registry, sessions *session.Manager, hooks *observability.Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  reg,
		sessions:  sessions,
		hooks:     hooks,
		logger:    logger,
		listeners: make(map[uint16]net.Listener),
	}
}

// EnsureListening starts accepting on port if no listener is bound there
// yet. Idempotent: a second call for an already-bound port is a no-op. The
// listener is kept alive across a tunnel's reservation window so in-flight
// reconnection isn't racing against a freshly rebound OS port.
func (r *Router) EnsureListening(ctx context.Context, port uint16) error {
	r.mu.Lock()
	if _, ok := r.listeners[port]; ok {
		r.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("router/tcp: listen on port %d: %w", port, err)
	}
	r.listeners[port] = ln
	r.mu.Unlock()

	go r.serve(ctx, port, ln)
	return nil
}

// Stop closes every bound listener.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, ln := range r.listeners {
		ln.Close()
		delete(r.listeners, port)
	}
	return nil
}

func (r *Router) serve(ctx context.Context, port uint16, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("router/tcp: accept failed", "port", port, "error", err)
			return
		}
		go r.handleConn(ctx, port, conn)
	}
}

func (r *Router) handleConn(ctx context.Context, port uint16, conn net.Conn) {
	defer conn.Close()

	entry, ok := r.registry.LookupTCP(port)
	if !ok {
		return
	}

	tun, ok := r.sessions.Tunnel(entry.TunnelID)
	if !ok {
		return
	}

	stream, err := tun.OpenStream(ctx)
	if err != nil {
		r.logger.Warn("router/tcp: open stream failed", "tunnel_id", entry.TunnelID, "error", err)
		return
	}
	defer stream.Close()

	r.hooks.IncStreamsOpened(entry.TunnelID)

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	remotePort, _ := strconv.Atoi(portStr)

	codec := wire.NewCodec()
	streamID := uint32(stream.StreamID())

	connectMsg := &wire.TcpConnect{StreamID: streamID, RemoteAddr: host, RemotePort: uint16(remotePort)}
	data, err := codec.Encode(connectMsg)
	if err != nil {
		return
	}
	if _, err := stream.Write(data); err != nil {
		return
	}

	var bytesIn, bytesOut atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); bytesOut.Store(copyToStream(stream, conn, codec, streamID)) }()
	go func() { defer wg.Done(); bytesIn.Store(copyFromStream(conn, stream, codec)) }()
	wg.Wait()

	r.hooks.AddBytes(entry.TunnelID, bytesIn.Load(), bytesOut.Load())
	r.hooks.Capture(observability.CaptureRecord{
		TunnelID:  entry.TunnelID,
		Kind:      "tcp",
		Timestamp: time.Now(),
		BytesIn:   bytesIn.Load(),
		BytesOut:  bytesOut.Load(),
	})
}

// copyToStream reads raw bytes from src and frames them as TcpData onto
// dst, sending a TcpClose when src reaches EOF or errors.
func copyToStream(dst transport.Stream, src net.Conn, codec *wire.Codec, streamID uint32) uint64 {
	var total uint64
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			msg := &wire.TcpData{StreamID: streamID, Data: buf[:n]}
			data, encErr := codec.Encode(msg)
			if encErr != nil {
				return total
			}
			if _, werr := dst.Write(data); werr != nil {
				return total
			}
			total += uint64(n)
		}
		if err != nil {
			closeMsg := &wire.TcpClose{StreamID: streamID}
			if data, encErr := codec.Encode(closeMsg); encErr == nil {
				dst.Write(data)
			}
			return total
		}
	}
}

// copyFromStream decodes TcpData/TcpClose messages from src and writes the
// payload bytes to dst.
func copyFromStream(dst net.Conn, src transport.Stream, codec *wire.Codec) uint64 {
	var total uint64
	for {
		msg, err := codec.Decode(src)
		if err != nil {
			return total
		}
		switch m := msg.(type) {
		case *wire.TcpData:
			if _, err := dst.Write(m.Data); err != nil {
				return total
			}
			total += uint64(len(m.Data))
		case *wire.TcpClose:
			return total
		}
	}
}
