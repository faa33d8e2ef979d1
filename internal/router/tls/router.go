// Package tls implements the relay's TLS-passthrough protocol router:
// SNI-based routing with the handshake forwarded byte-for-byte and never
// decrypted at the relay.
package tls

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localup-dev/localup/internal/observability"
	"github.com/localup-dev/localup/internal/registry"
	"github.com/localup-dev/localup/internal/session"
	"github.com/localup-dev/localup/internal/transport"
	"github.com/localup-dev/localup/internal/wire"
)

const copyBufferSize = 32 * 1024

// Router listens on a single configured TLS-passthrough port and dispatches
// each accepted connection to the tunnel owning its ClientHello's SNI.
type Router struct {
	registry *registry.Registry
	sessions *session.Manager
	hooks    *observability.Hooks
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New creates a TLS passthrough router.
func New(reg *registry.Registry, sessions *session.Manager, hooks *observability.Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, sessions: sessions, hooks: hooks, logger: logger}
}

// Start binds the passthrough port and begins accepting. A second call is a
// no-op if already bound.
func (r *Router) Start(ctx context.Context, addr string) error {
	r.mu.Lock()
	if r.ln != nil {
		r.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("router/tls: listen on %s: %w", addr, err)
	}
	r.ln = ln
	r.mu.Unlock()

	go r.serve(ctx, ln)
	return nil
}

// Stop closes the bound listener.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	err := r.ln.Close()
	r.ln = nil
	return err
}

func (r *Router) serve(ctx context.Context, ln net.Listener) {
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
			r.logger.Warn("router/tls: accept failed", "error", err)
			return
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Router) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	record, err := readTLSRecord(conn)
	if err != nil {
		r.logger.Debug("router/tls: failed to read ClientHello record", "error", err)
		return
	}

	sni, err := ExtractSNI(record)
	if err != nil {
		r.logger.Debug("router/tls: SNI extraction failed", "error", err)
		return
	}

	entry, ok := r.registry.LookupSNI(sni)
	if !ok {
		r.logger.Debug("router/tls: no route for sni", "sni", sni)
		return
	}

	tun, ok := r.sessions.Tunnel(entry.TunnelID)
	if !ok {
		return
	}

	stream, err := tun.OpenStream(ctx)
	if err != nil {
		r.logger.Warn("router/tls: open stream failed", "tunnel_id", entry.TunnelID, "error", err)
		return
	}
	defer stream.Close()

	r.hooks.IncStreamsOpened(entry.TunnelID)

	codec := wire.NewCodec()
	streamID := uint32(stream.StreamID())

	connectMsg := &wire.TlsConnect{StreamID: streamID, SNI: sni, ClientHello: record}
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
		Kind:      "tls",
		Timestamp: time.Now(),
		BytesIn:   bytesIn.Load(),
		BytesOut:  bytesOut.Load(),
	})
}

// readTLSRecord reads exactly one TLS record (header + body) off conn.
func readTLSRecord(conn net.Conn) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("router/tls: read record header: %w", err)
	}
	recLen := binary.BigEndian.Uint16(header[3:5])

	body := make([]byte, recLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("router/tls: read record body: %w", err)
	}

	return append(header, body...), nil
}

func copyToStream(dst transport.Stream, src net.Conn, codec *wire.Codec, streamID uint32) uint64 {
	var total uint64
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			msg := &wire.TlsData{StreamID: streamID, Data: buf[:n]}
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
			closeMsg := &wire.TlsClose{StreamID: streamID}
			if data, encErr := codec.Encode(closeMsg); encErr == nil {
				dst.Write(data)
			}
			return total
		}
	}
}

func copyFromStream(dst net.Conn, src transport.Stream, codec *wire.Codec) uint64 {
	var total uint64
	for {
		msg, err := codec.Decode(src)
		if err != nil {
			return total
		}
		switch m := msg.(type) {
		case *wire.TlsData:
			if _, err := dst.Write(m.Data); err != nil {
				return total
			}
			total += uint64(len(m.Data))
		case *wire.TlsClose:
			return total
		}
	}
}
