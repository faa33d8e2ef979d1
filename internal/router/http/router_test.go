package http

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/auth"
	"github.com/localup-dev/localup/internal/observability"
	"github.com/localup-dev/localup/internal/registry"
	"github.com/localup-dev/localup/internal/session"
	"github.com/localup-dev/localup/internal/transport"
	"github.com/localup-dev/localup/internal/transport/transporttest"
	"github.com/localup-dev/localup/internal/wire"
)

func TestResolveHostSubdomain(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 1, TCPPortMax: 2})
	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("myapp")}}, "t1")
	require.NoError(t, err)

	r := New(reg, nil, nil, "tunnel.example.com", nil)

	entry, ok := r.resolveHost("myapp.tunnel.example.com")
	require.True(t, ok)
	assert.Equal(t, "t1", entry.TunnelID)
}

func TestResolveHostCustomDomainFallback(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 1, TCPPortMax: 2})
	require.NoError(t, reg.BindCustomDomain("app.customer.io", "t2", 0, wire.Endpoint{}))

	r := New(reg, nil, nil, "tunnel.example.com", nil)

	entry, ok := r.resolveHost("app.customer.io")
	require.True(t, ok)
	assert.Equal(t, "t2", entry.TunnelID)
}

func TestResolveHostStripsPort(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 1, TCPPortMax: 2})
	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("myapp")}}, "t3")
	require.NoError(t, err)

	r := New(reg, nil, nil, "tunnel.example.com", nil)

	_, ok := r.resolveHost("myapp.tunnel.example.com:8080")
	assert.True(t, ok)
}

func TestIsUpgradeDetectsConnectionHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	assert.True(t, isUpgrade(req))
}

func TestIsUpgradeFalseForOrdinaryRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	assert.False(t, isUpgrade(req))
}

func strPtr(s string) *string { return &s }

// runFakeHTTPClient emulates the SDK side for request/response mode: it
// accepts the data stream, reads the HttpRequest, and answers with a fixed
// response.
func runFakeHTTPClient(t *testing.T, ctx context.Context, conn transport.Conn) {
	t.Helper()
	go func() {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		codec := wire.NewCodec()
		msg, err := codec.Decode(stream)
		require.NoError(t, err)
		req, ok := msg.(*wire.HttpRequest)
		require.True(t, ok)

		resp := &wire.HttpResponse{
			StreamID: req.StreamID,
			Status:   200,
			Headers:  map[string]string{"Content-Type": "text/plain"},
			Body:     []byte("pong"),
		}
		data, err := codec.Encode(resp)
		require.NoError(t, err)
		_, err = stream.Write(data)
		require.NoError(t, err)
	}()
}

func TestHTTPRouterRequestResponseMode(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 1, TCPPortMax: 2})
	store := auth.NewStaticTokenStore()
	store.Add(&auth.TokenRecord{Token: "secret"})
	authenticator := auth.NewAuthenticator(store)
	hooks := observability.NewHooks()

	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	mgr := session.NewManager(cfg, reg, authenticator, hooks, nil, nil)

	relaySide, clientSide := transporttest.Pair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.HandleConnection(ctx, relaySide)
	runFakeHTTPClient(t, ctx, clientSide)

	stream, err := clientSide.OpenStream(ctx)
	require.NoError(t, err)
	codec := wire.NewCodec()
	data, err := codec.Encode(&wire.Connect{
		TunnelID:  "http-tunnel",
		AuthToken: "secret",
		Protocols: []wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("myapp")}},
	})
	require.NoError(t, err)
	_, err = stream.Write(data)
	require.NoError(t, err)
	_, err = codec.Decode(stream)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := mgr.Tunnel("http-tunnel")
		return ok
	}, time.Second, 10*time.Millisecond)

	router := New(reg, mgr, hooks, "tunnel.example.com", nil)
	require.NoError(t, router.Start(ctx, "127.0.0.1:0"))
	defer router.Stop()

	addr := router.ln.Addr().String()

	httpClient := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	req.Host = "myapp.tunnel.example.com"

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHTTPRouterReturns404ForUnknownHost(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 1, TCPPortMax: 2})
	hooks := observability.NewHooks()
	mgr := session.NewManager(session.DefaultConfig(), reg, auth.NewAuthenticator(auth.NewStaticTokenStore()), hooks, nil, nil)

	router := New(reg, mgr, hooks, "tunnel.example.com", nil)
	ctx := context.Background()
	require.NoError(t, router.Start(ctx, "127.0.0.1:0"))
	defer router.Stop()

	addr := router.ln.Addr().String()
	httpClient := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	req.Host = "nothere.tunnel.example.com"

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

// runFakeChunkedClient answers the first HttpRequest with a header-only
// HttpResponse (nil body) followed by streamed HttpChunk messages.
func runFakeChunkedClient(t *testing.T, ctx context.Context, conn transport.Conn, chunks []string) {
	t.Helper()
	go func() {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		codec := wire.NewCodec()
		msg, err := codec.Decode(stream)
		require.NoError(t, err)
		req, ok := msg.(*wire.HttpRequest)
		require.True(t, ok)

		resp := &wire.HttpResponse{
			StreamID: req.StreamID,
			Status:   200,
			Headers:  map[string]string{"Content-Type": "text/plain"},
		}
		data, err := codec.Encode(resp)
		require.NoError(t, err)
		_, err = stream.Write(data)
		require.NoError(t, err)

		for i, c := range chunks {
			chunk := &wire.HttpChunk{
				StreamID: req.StreamID,
				Chunk:    []byte(c),
				IsFinal:  i == len(chunks)-1,
			}
			data, err := codec.Encode(chunk)
			require.NoError(t, err)
			_, err = stream.Write(data)
			require.NoError(t, err)
		}
	}()
}

func TestHTTPRouterStreamedResponseBody(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 1, TCPPortMax: 2})
	store := auth.NewStaticTokenStore()
	store.Add(&auth.TokenRecord{Token: "secret"})
	authenticator := auth.NewAuthenticator(store)
	hooks := observability.NewHooks()

	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	mgr := session.NewManager(cfg, reg, authenticator, hooks, nil, nil)

	relaySide, clientSide := transporttest.Pair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.HandleConnection(ctx, relaySide)
	runFakeChunkedClient(t, ctx, clientSide, []string{"part-one ", "part-two ", "part-three"})

	stream, err := clientSide.OpenStream(ctx)
	require.NoError(t, err)
	codec := wire.NewCodec()
	data, err := codec.Encode(&wire.Connect{
		TunnelID:  "chunked-tunnel",
		AuthToken: "secret",
		Protocols: []wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("chunky")}},
	})
	require.NoError(t, err)
	_, err = stream.Write(data)
	require.NoError(t, err)
	_, err = codec.Decode(stream)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := mgr.Tunnel("chunked-tunnel")
		return ok
	}, time.Second, 10*time.Millisecond)

	router := New(reg, mgr, hooks, "tunnel.example.com", nil)
	require.NoError(t, router.Start(ctx, "127.0.0.1:0"))
	defer router.Stop()

	addr := router.ln.Addr().String()
	httpClient := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/stream", nil)
	require.NoError(t, err)
	req.Host = "chunky.tunnel.example.com"

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "part-one part-two part-three", string(body))

	snapshot := hooks.Snapshot("chunked-tunnel")
	assert.EqualValues(t, 1, snapshot.RequestsCompleted)
	assert.EqualValues(t, 1, snapshot.StatusHistogram[200])
}
