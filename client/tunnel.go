package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/localup-dev/localup/internal/core"
	"github.com/localup-dev/localup/internal/transport"
	"github.com/localup-dev/localup/internal/wire"
)

// Tunnel represents an active tunnel to a LocalUp relay.
type Tunnel struct {
	agent     *Agent
	config    *TunnelConfig
	id        string
	url       string
	endpoints []wire.Endpoint

	controlStream transport.Stream
	codec         *wire.Codec

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	streams   map[uint64]transport.Stream
	streamsMu sync.RWMutex

	forwarder *httpForwarder

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	reconnecting   atomic.Bool
	reconnectCount int
}

func newTunnel(ctx context.Context, agent *Agent, config *TunnelConfig) *Tunnel {
	tunnelCtx, cancel := context.WithCancel(ctx)

	t := &Tunnel{
		agent:   agent,
		config:  config,
		id:      generateTunnelID(),
		codec:   wire.NewCodec(),
		ctx:     tunnelCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		streams: make(map[uint64]transport.Stream),
	}

	if config.Upstream != "" {
		t.forwarder = newHTTPForwarder(config)
	}

	return t
}

// ID returns the tunnel's unique identifier.
func (t *Tunnel) ID() string { return t.id }

// URL returns the public URL for the tunnel.
func (t *Tunnel) URL() string { return t.url }

// Endpoints returns all public endpoints allocated for the tunnel.
func (t *Tunnel) Endpoints() []wire.Endpoint { return t.endpoints }

// Done returns a channel closed when the tunnel is closed.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Close tears the tunnel down, notifying the relay best-effort.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()

		if t.controlStream != nil {
			msg := &wire.Disconnect{Reason: "client closing"}
			if data, err := t.codec.Encode(msg); err == nil {
				t.controlStream.Write(data)
			}
			t.controlStream.Close()
		}

		t.streamsMu.Lock()
		for _, stream := range t.streams {
			stream.Close()
		}
		t.streams = make(map[uint64]transport.Stream)
		t.streamsMu.Unlock()

		close(t.done)
	})
	return nil
}

// BytesIn returns the total bytes received from the public side.
func (t *Tunnel) BytesIn() uint64 { return t.bytesIn.Load() }

// BytesOut returns the total bytes sent to the public side.
func (t *Tunnel) BytesOut() uint64 { return t.bytesOut.Load() }

// register opens the control stream and completes the Connect/Connected
// handshake.
func (t *Tunnel) register(ctx context.Context) error {
	t.agent.config.Logger.Debug("opening control stream")

	stream, err := t.agent.conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("client: open control stream: %w", err)
	}
	t.controlStream = stream

	protocols := t.buildProtocols()
	config := t.buildTunnelConfig()

	connectMsg := &wire.Connect{
		TunnelID:  t.id,
		AuthToken: t.agent.config.Authtoken,
		Protocols: protocols,
		Config:    config,
	}

	data, err := t.codec.Encode(connectMsg)
	if err != nil {
		return fmt.Errorf("client: encode Connect: %w", err)
	}

	if _, err := t.controlStream.Write(data); err != nil {
		return fmt.Errorf("client: send Connect: %w", err)
	}

	response, err := t.codec.Decode(t.controlStream)
	if err != nil {
		return fmt.Errorf("client: read registration response: %w", err)
	}

	switch msg := response.(type) {
	case *wire.Connected:
		t.endpoints = msg.Endpoints
		if len(msg.Endpoints) > 0 {
			t.url = msg.Endpoints[0].URL
		}
		t.agent.config.Logger.Info("tunnel connected", "url", t.url, "endpoints", len(t.endpoints))
		return nil

	case *wire.Disconnect:
		return fmt.Errorf("client: registration rejected: %s", msg.Reason)

	default:
		return fmt.Errorf("client: unexpected registration response: %T", response)
	}
}

// run handles incoming messages and data streams, reconnecting on
// disconnection until Close is called or reconnection is disabled/exhausted.
func (t *Tunnel) run(ctx context.Context) {
	defer t.Close()

	for {
		controlDone := make(chan struct{})
		go func() {
			t.handleControlMessages(ctx)
			close(controlDone)
		}()

		disconnected := t.acceptStreams(ctx, controlDone)

		if !disconnected || t.closed.Load() {
			return
		}

		if !t.agent.config.Reconnect {
			t.agent.config.Logger.Info("reconnection disabled, closing tunnel")
			return
		}

		if !t.reconnect(ctx) {
			return
		}
	}
}

// acceptStreams accepts and dispatches data streams until the connection is
// lost. Returns true if the loss looks like a disconnection worth
// retrying, false if the tunnel was closed intentionally.
func (t *Tunnel) acceptStreams(ctx context.Context, controlDone <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-controlDone:
			if t.closed.Load() {
				return false
			}
			return true
		default:
		}

		stream, err := t.agent.conn.AcceptStream(ctx)
		if err != nil {
			if t.closed.Load() {
				return false
			}
			t.agent.config.Logger.Error("failed to accept stream", "error", err)
			return true
		}

		go t.handleDataStream(ctx, stream)
	}
}

// reconnect retries connecting with exponential backoff
// (d_{n+1} = min(max_delay, d_n * multiplier)), re-registering the tunnel
// once a new connection succeeds.
func (t *Tunnel) reconnect(ctx context.Context) bool {
	if !t.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	defer t.reconnecting.Store(false)

	config := t.agent.config
	delay := config.ReconnectInitialDelay

	for {
		t.reconnectCount++

		if config.ReconnectMaxRetries > 0 && t.reconnectCount > config.ReconnectMaxRetries {
			t.agent.config.Logger.Error("max reconnection attempts reached",
				"attempts", t.reconnectCount-1, "max", config.ReconnectMaxRetries)
			return false
		}

		t.agent.config.Logger.Info("attempting to reconnect", "attempt", t.reconnectCount, "delay", delay)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if t.agent.conn != nil {
			t.agent.conn.Close()
			t.agent.conn = nil
		}

		conn, err := t.agent.connect(ctx)
		if err != nil {
			t.agent.config.Logger.Error("reconnection failed", "error", err)
			delay = nextBackoff(delay, config.ReconnectMultiplier, config.ReconnectMaxDelay)
			continue
		}
		t.agent.conn = conn

		if err := t.register(ctx); err != nil {
			t.agent.config.Logger.Error("re-registration failed", "error", err)
			delay = nextBackoff(delay, config.ReconnectMultiplier, config.ReconnectMaxDelay)
			continue
		}

		t.reconnectCount = 0
		t.agent.config.Logger.Info("reconnected successfully", "url", t.url)
		return true
	}
}

func nextBackoff(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// handleControlMessages answers heartbeat Pings and reacts to a relay-
// initiated Disconnect.
func (t *Tunnel) handleControlMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := t.codec.Decode(t.controlStream)
		if err != nil {
			if err == io.EOF || t.closed.Load() {
				return
			}
			t.agent.config.Logger.Error("failed to decode control message", "error", err)
			return
		}

		switch m := msg.(type) {
		case *wire.Ping:
			t.agent.config.Logger.Debug("received Ping", "timestamp", m.Timestamp)
			pong := &wire.Pong{Timestamp: m.Timestamp}
			data, err := t.codec.Encode(pong)
			if err != nil {
				t.agent.config.Logger.Error("failed to encode Pong", "error", err)
				continue
			}
			if _, err := t.controlStream.Write(data); err != nil {
				t.agent.config.Logger.Error("failed to send Pong", "error", err)
				return
			}

		case *wire.Disconnect:
			t.agent.config.Logger.Info("received Disconnect", "reason", m.Reason)
			t.Close()
			return

		default:
			t.agent.config.Logger.Debug("received control message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// handleDataStream dispatches a freshly accepted stream by the type of its
// first message.
func (t *Tunnel) handleDataStream(ctx context.Context, stream transport.Stream) {
	defer stream.Close()

	id := stream.StreamID()
	t.streamsMu.Lock()
	t.streams[id] = stream
	t.streamsMu.Unlock()
	defer func() {
		t.streamsMu.Lock()
		delete(t.streams, id)
		t.streamsMu.Unlock()
	}()

	msg, err := t.codec.Decode(stream)
	if err != nil {
		t.agent.config.Logger.Error("failed to decode stream message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.TcpConnect:
		t.handleTCPStream(ctx, stream, m)
	case *wire.HttpRequest:
		t.handleHTTPRequest(ctx, stream, m)
	case *wire.HttpStreamConnect:
		t.handleHTTPStream(ctx, stream, m)
	case *wire.TlsConnect:
		t.handleTLSStream(ctx, stream, m)
	default:
		t.agent.config.Logger.Error("unexpected stream message", "type", fmt.Sprintf("%T", msg))
	}
}

func (t *Tunnel) dialLocal() (net.Conn, error) {
	localAddr := net.JoinHostPort(t.config.LocalHost(), fmt.Sprintf("%d", t.config.LocalPort()))
	conn, err := net.DialTimeout("tcp", localAddr, DefaultConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %v: %w", localAddr, err, core.ErrLocalUnreachable)
	}
	return conn, nil
}

func (t *Tunnel) handleTCPStream(ctx context.Context, stream transport.Stream, connect *wire.TcpConnect) {
	t.agent.config.Logger.Debug("handling TCP stream",
		"stream_id", connect.StreamID,
		"remote", fmt.Sprintf("%s:%d", connect.RemoteAddr, connect.RemotePort))

	local, err := t.dialLocal()
	if err != nil {
		t.agent.config.Logger.Error("failed to connect to local", "error", err)
		closeMsg := &wire.TcpClose{StreamID: connect.StreamID}
		if data, err := t.codec.Encode(closeMsg); err == nil {
			stream.Write(data)
		}
		return
	}
	defer local.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.copyTcpFromRemote(local, stream) }()
	go func() { defer wg.Done(); t.copyTcpToRemote(stream, local, connect.StreamID) }()
	wg.Wait()
}

func (t *Tunnel) handleHTTPRequest(ctx context.Context, stream transport.Stream, req *wire.HttpRequest) {
	t.agent.config.Logger.Debug("handling HTTP request", "stream_id", req.StreamID, "method", req.Method, "uri", req.URI)

	if t.forwarder == nil {
		t.sendHTTPError(stream, req.StreamID, http.StatusBadGateway, "no upstream configured")
		return
	}

	resp, err := t.forwarder.forward(ctx, req)
	if err != nil {
		t.agent.config.Logger.Error("failed to forward request", "error", err)
		t.sendHTTPError(stream, req.StreamID, http.StatusBadGateway, err.Error())
		return
	}

	data, err := t.codec.Encode(resp)
	if err != nil {
		t.agent.config.Logger.Error("failed to encode response", "error", err)
		return
	}
	if _, err := stream.Write(data); err != nil {
		t.agent.config.Logger.Error("failed to send response", "error", err)
	}
}

func (t *Tunnel) handleHTTPStream(ctx context.Context, stream transport.Stream, connect *wire.HttpStreamConnect) {
	t.agent.config.Logger.Debug("handling HTTP stream", "stream_id", connect.StreamID, "host", connect.Host)

	local, err := t.dialLocal()
	if err != nil {
		t.agent.config.Logger.Error("failed to connect to local", "error", err)
		closeMsg := &wire.HttpStreamClose{StreamID: connect.StreamID}
		if data, err := t.codec.Encode(closeMsg); err == nil {
			stream.Write(data)
		}
		return
	}
	defer local.Close()

	if len(connect.InitialData) > 0 {
		if _, err := local.Write(connect.InitialData); err != nil {
			t.agent.config.Logger.Error("failed to send initial data", "error", err)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.copyHttpStreamFromRemote(local, stream) }()
	go func() { defer wg.Done(); t.copyHttpStreamToRemote(stream, local, connect.StreamID) }()
	wg.Wait()
}

func (t *Tunnel) handleTLSStream(ctx context.Context, stream transport.Stream, connect *wire.TlsConnect) {
	t.agent.config.Logger.Debug("handling TLS stream", "stream_id", connect.StreamID, "sni", connect.SNI)

	local, err := t.dialLocal()
	if err != nil {
		t.agent.config.Logger.Error("failed to connect to local", "error", err)
		closeMsg := &wire.TlsClose{StreamID: connect.StreamID}
		if data, err := t.codec.Encode(closeMsg); err == nil {
			stream.Write(data)
		}
		return
	}
	defer local.Close()

	if _, err := local.Write(connect.ClientHello); err != nil {
		t.agent.config.Logger.Error("failed to send ClientHello", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.copyTlsFromRemote(local, stream) }()
	go func() { defer wg.Done(); t.copyTlsToRemote(stream, local, connect.StreamID) }()
	wg.Wait()
}

func (t *Tunnel) copyTcpFromRemote(dst io.Writer, src transport.Stream) {
	for {
		msg, err := t.codec.Decode(src)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.TcpData:
			if _, err := dst.Write(m.Data); err != nil {
				return
			}
			t.bytesIn.Add(uint64(len(m.Data)))
		case *wire.TcpClose:
			return
		}
	}
}

func (t *Tunnel) copyTcpToRemote(dst transport.Stream, src io.Reader, streamID uint32) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			msg := &wire.TcpData{StreamID: streamID, Data: buf[:n]}
			data, encErr := t.codec.Encode(msg)
			if encErr != nil {
				return
			}
			if _, werr := dst.Write(data); werr != nil {
				return
			}
			t.bytesOut.Add(uint64(n))
		}
		if err != nil {
			closeMsg := &wire.TcpClose{StreamID: streamID}
			if data, err := t.codec.Encode(closeMsg); err == nil {
				dst.Write(data)
			}
			return
		}
	}
}

func (t *Tunnel) copyHttpStreamFromRemote(dst io.Writer, src transport.Stream) {
	for {
		msg, err := t.codec.Decode(src)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.HttpStreamData:
			if _, err := dst.Write(m.Data); err != nil {
				return
			}
			t.bytesIn.Add(uint64(len(m.Data)))
		case *wire.HttpStreamClose:
			return
		}
	}
}

func (t *Tunnel) copyHttpStreamToRemote(dst transport.Stream, src io.Reader, streamID uint32) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			msg := &wire.HttpStreamData{StreamID: streamID, Data: buf[:n]}
			data, encErr := t.codec.Encode(msg)
			if encErr != nil {
				return
			}
			if _, werr := dst.Write(data); werr != nil {
				return
			}
			t.bytesOut.Add(uint64(n))
		}
		if err != nil {
			closeMsg := &wire.HttpStreamClose{StreamID: streamID}
			if data, err := t.codec.Encode(closeMsg); err == nil {
				dst.Write(data)
			}
			return
		}
	}
}

func (t *Tunnel) copyTlsFromRemote(dst io.Writer, src transport.Stream) {
	for {
		msg, err := t.codec.Decode(src)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.TlsData:
			if _, err := dst.Write(m.Data); err != nil {
				return
			}
			t.bytesIn.Add(uint64(len(m.Data)))
		case *wire.TlsClose:
			return
		}
	}
}

func (t *Tunnel) copyTlsToRemote(dst transport.Stream, src io.Reader, streamID uint32) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			msg := &wire.TlsData{StreamID: streamID, Data: buf[:n]}
			data, encErr := t.codec.Encode(msg)
			if encErr != nil {
				return
			}
			if _, werr := dst.Write(data); werr != nil {
				return
			}
			t.bytesOut.Add(uint64(n))
		}
		if err != nil {
			closeMsg := &wire.TlsClose{StreamID: streamID}
			if data, err := t.codec.Encode(closeMsg); err == nil {
				dst.Write(data)
			}
			return
		}
	}
}

func (t *Tunnel) sendHTTPError(stream transport.Stream, streamID uint32, status int, message string) {
	resp := &wire.HttpResponse{
		StreamID: streamID,
		Status:   uint16(status),
		Headers:  map[string]string{"Content-Type": "text/plain"},
		Body:     []byte(message),
	}
	data, err := t.codec.Encode(resp)
	if err != nil {
		return
	}
	stream.Write(data)
}

// buildProtocols builds the protocol descriptor list for the Connect
// message. The SDK requests a single descriptor per tunnel; the relay's
// wire schema supports more for clients that want to multiplex several
// public protocols over one Connect call.
func (t *Tunnel) buildProtocols() []wire.ProtocolSpec {
	switch t.config.Protocol {
	case ProtocolTCP:
		return []wire.ProtocolSpec{{Type: "tcp", Port: t.config.Port}}
	case ProtocolTLS:
		return []wire.ProtocolSpec{{Type: "tls", Port: t.config.Port, SNIPattern: t.config.SNIPattern}}
	case ProtocolHTTP:
		var subdomain *string
		if t.config.Subdomain != "" {
			subdomain = &t.config.Subdomain
		}
		return []wire.ProtocolSpec{{Type: "http", Subdomain: subdomain}}
	case ProtocolHTTPS:
		var subdomain *string
		if t.config.Subdomain != "" {
			subdomain = &t.config.Subdomain
		}
		return []wire.ProtocolSpec{{Type: "https", Subdomain: subdomain}}
	}
	return nil
}

// buildTunnelConfig builds the TunnelConfig carried in the Connect message.
func (t *Tunnel) buildTunnelConfig() wire.TunnelConfig {
	var localPort *uint16
	if p := t.config.LocalPort(); p > 0 {
		localPort = &p
	}

	return wire.TunnelConfig{
		LocalHost:          t.config.LocalHost(),
		LocalPort:          localPort,
		LocalHTTPS:         t.config.LocalHTTPS,
		ExitNode:           wire.ExitNodeConfig{Type: "auto"},
		Failover:           false,
		IPAllowlist:        t.config.IPAllowlist,
		EnableCompression:  false,
		EnableMultiplexing: true,
	}
}

// generateTunnelID returns a fresh, globally-unique tunnel identifier.
func generateTunnelID() string {
	return "tunnel-" + uuid.NewString()
}

// httpForwarder proxies buffered HTTP requests to the local upstream.
type httpForwarder struct {
	client   *http.Client
	upstream *url.URL
	useHTTPS bool
}

func newHTTPForwarder(config *TunnelConfig) *httpForwarder {
	upstream := config.Upstream
	if !strings.Contains(upstream, "://") {
		if config.LocalHTTPS {
			upstream = "https://" + upstream
		} else {
			upstream = "http://" + upstream
		}
	}

	u, _ := url.Parse(upstream)

	return &httpForwarder{
		client:   &http.Client{Timeout: 30 * time.Second},
		upstream: u,
		useHTTPS: config.LocalHTTPS,
	}
}

func (f *httpForwarder) forward(ctx context.Context, req *wire.HttpRequest) (*wire.HttpResponse, error) {
	reqURL := *f.upstream
	reqURL.Path = req.URI

	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 {
		httpReq.ContentLength = int64(len(req.Body))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: forward to %s: %v: %w", f.upstream.Host, err, core.ErrLocalUnreachable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &wire.HttpResponse{
		StreamID: req.StreamID,
		Status:   uint16(resp.StatusCode),
		Headers:  headers,
		Body:     respBody,
	}, nil
}
