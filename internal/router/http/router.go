// Package http implements the relay's HTTP protocol router: subdomain and
// custom-domain based routing, with buffered request/response forwarding for
// plain requests and a byte-pumped passthrough for upgrades (e.g.
// WebSocket).
package http

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
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

// maxBufferedBodySize bounds how much of a request body is buffered in
// request/response mode before the router gives up and returns 413.
const maxBufferedBodySize = 10 << 20

// Router listens on the relay's plain-HTTP ingress port and dispatches each
// request to the tunnel owning its Host header.
type Router struct {
	registry *registry.Registry
	sessions *session.Manager
	hooks    *observability.Hooks
	domain   string
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New creates an HTTP router. domain is the base domain subdomain labels are
// resolved under (e.g. "tunnel.localup.io"); a Host header outside that
// suffix is looked up as a custom domain instead.
func New(reg *registry.Registry, sessions *session.Manager, hooks *observability.Hooks, domain string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, sessions: sessions, hooks: hooks, domain: strings.ToLower(domain), logger: logger}
}

// Start binds addr and begins accepting. A second call is a no-op if already
// bound.
func (r *Router) Start(ctx context.Context, addr string) error {
	r.mu.Lock()
	if r.ln != nil {
		r.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("router/http: listen on %s: %w", addr, err)
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
			r.logger.Warn("router/http: accept failed", "error", err)
			return
		}
		go r.HandleConn(ctx, conn)
	}
}

// resolveHost maps a Host header to a route entry: first try it as a
// subdomain of the relay's base domain, then fall back to an exact custom
// domain match.
func (r *Router) resolveHost(host string) (*registry.RouteEntry, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if r.domain != "" && strings.HasSuffix(host, "."+r.domain) {
		label := strings.TrimSuffix(host, "."+r.domain)
		if !strings.Contains(label, ".") {
			if e, ok := r.registry.LookupHost(label); ok {
				return e, true
			}
		}
	}

	return r.registry.LookupCustomDomain(host)
}

// HandleConn serves one already-accepted connection as an HTTP request,
// exported so the HTTPS router can reuse the same request-handling logic
// after completing its own TLS handshake.
func (r *Router) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	if req.Host == "" {
		writeSimpleResponse(conn, http.StatusBadRequest, "Host header required")
		return
	}

	entry, ok := r.resolveHost(req.Host)
	if !ok {
		writeSimpleResponse(conn, http.StatusNotFound, "no tunnel for host")
		return
	}

	tun, ok := r.sessions.Tunnel(entry.TunnelID)
	if !ok {
		writeSimpleResponse(conn, http.StatusServiceUnavailable, "tunnel not live")
		return
	}

	stream, err := tun.OpenStream(ctx)
	if err != nil {
		r.logger.Warn("router/http: open stream failed", "tunnel_id", entry.TunnelID, "error", err)
		writeSimpleResponse(conn, http.StatusBadGateway, "failed to reach tunnel")
		return
	}
	defer stream.Close()

	r.hooks.IncStreamsOpened(entry.TunnelID)
	codec := wire.NewCodec()
	streamID := uint32(stream.StreamID())

	if isUpgrade(req) {
		r.handleStreamMode(ctx, conn, br, stream, codec, streamID, req, entry.TunnelID)
		return
	}

	r.handleRequestResponse(conn, stream, codec, streamID, req, entry.TunnelID)
}

// isUpgrade reports whether req needs tunneled byte-forwarding (WebSocket
// upgrade, CONNECT) rather than a single buffered request/response exchange.
// The decision is made from the request line and headers alone; once
// tunneled mode is entered no further HTTP parsing happens on the stream.
func isUpgrade(req *http.Request) bool {
	if req.Method == http.MethodConnect {
		return true
	}
	return strings.EqualFold(req.Header.Get("Connection"), "upgrade") || req.Header.Get("Upgrade") != ""
}

func (r *Router) handleRequestResponse(conn net.Conn, stream transport.Stream, codec *wire.Codec, streamID uint32, req *http.Request, tunnelID string) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBufferedBodySize+1))
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBufferedBodySize {
		writeSimpleResponse(conn, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	msg := &wire.HttpRequest{
		StreamID: streamID,
		Method:   req.Method,
		URI:      req.URL.RequestURI(),
		Headers:  headers,
		Body:     body,
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return
	}
	if _, err := stream.Write(data); err != nil {
		return
	}

	reply, err := codec.Decode(stream)
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadGateway, "tunnel closed before responding")
		return
	}
	resp, ok := reply.(*wire.HttpResponse)
	if !ok {
		writeSimpleResponse(conn, http.StatusBadGateway, "unexpected reply from tunnel")
		return
	}

	var respBytes uint64
	if resp.Body != nil {
		writeHTTPResponse(conn, resp)
		respBytes = uint64(len(resp.Body))
	} else {
		// A nil body means the client streams it as HttpChunk messages.
		respBytes = r.relayChunkedResponse(conn, stream, codec, resp)
	}

	r.hooks.AddBytes(tunnelID, uint64(len(body)), respBytes)
	r.hooks.RecordRequest(tunnelID, int(resp.Status))
	r.hooks.Capture(observability.CaptureRecord{
		TunnelID:  tunnelID,
		Kind:      "http",
		Timestamp: time.Now(),
		BytesIn:   uint64(len(body)),
		BytesOut:  respBytes,
		Method:    req.Method,
		Status:    int(resp.Status),
	})
}

// relayChunkedResponse writes resp's status line and headers with chunked
// transfer encoding, then copies HttpChunk payloads through until the client
// marks the final chunk or closes the stream. Returns body bytes written.
func (r *Router) relayChunkedResponse(conn net.Conn, stream transport.Stream, codec *wire.Codec, resp *wire.HttpResponse) uint64 {
	header := http.Header{}
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	header.Del("Content-Length")

	pr, pw := io.Pipe()
	httpResp := &http.Response{
		StatusCode:       int(resp.Status),
		Status:           http.StatusText(int(resp.Status)),
		Proto:            "HTTP/1.1",
		ProtoMajor:       1,
		ProtoMinor:       1,
		Header:           header,
		Body:             pr,
		ContentLength:    -1,
		TransferEncoding: []string{"chunked"},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		httpResp.Write(conn)
	}()

	var total uint64
	for {
		msg, err := codec.Decode(stream)
		if err != nil {
			break
		}
		chunk, ok := msg.(*wire.HttpChunk)
		if !ok {
			break
		}
		if len(chunk.Chunk) > 0 {
			if _, err := pw.Write(chunk.Chunk); err != nil {
				break
			}
			total += uint64(len(chunk.Chunk))
		}
		if chunk.IsFinal {
			break
		}
	}
	pw.Close()
	<-done
	return total
}

func (r *Router) handleStreamMode(ctx context.Context, conn net.Conn, br *bufio.Reader, stream transport.Stream, codec *wire.Codec, streamID uint32, req *http.Request, tunnelID string) {
	var raw strings.Builder
	req.Write(&raw)
	initial := []byte(raw.String())
	if br.Buffered() > 0 {
		rest := make([]byte, br.Buffered())
		br.Read(rest)
		initial = append(initial, rest...)
	}

	connectMsg := &wire.HttpStreamConnect{StreamID: streamID, Host: req.Host, InitialData: initial}
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

	r.hooks.AddBytes(tunnelID, bytesIn.Load(), bytesOut.Load())
	r.hooks.Capture(observability.CaptureRecord{
		TunnelID:  tunnelID,
		Kind:      "http",
		Timestamp: time.Now(),
		BytesIn:   bytesIn.Load(),
		BytesOut:  bytesOut.Load(),
		Method:    req.Method,
	})
}

func writeSimpleResponse(conn net.Conn, status int, body string) {
	resp := &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Write(conn)
}

func writeHTTPResponse(conn net.Conn, m *wire.HttpResponse) {
	header := http.Header{}
	for k, v := range m.Headers {
		header.Set(k, v)
	}
	resp := &http.Response{
		StatusCode:    int(m.Status),
		Status:        http.StatusText(int(m.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(string(m.Body))),
		ContentLength: int64(len(m.Body)),
	}
	resp.Write(conn)
}

func copyToStream(dst transport.Stream, src net.Conn, codec *wire.Codec, streamID uint32) uint64 {
	var total uint64
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			msg := &wire.HttpStreamData{StreamID: streamID, Data: buf[:n]}
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
			closeMsg := &wire.HttpStreamClose{StreamID: streamID}
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
		case *wire.HttpStreamData:
			if _, err := dst.Write(m.Data); err != nil {
				return total
			}
			total += uint64(len(m.Data))
		case *wire.HttpStreamClose:
			return total
		}
	}
}
