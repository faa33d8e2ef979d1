package tcp

import (
	"context"
	"io"
	"net"
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

// runFakeTCPClient emulates the SDK side of a tunnel for the single TCP stream
// this test exercises: it accepts the data stream the router opens, reads
// the TcpConnect header, and echoes every TcpData payload back upper-cased.
func runFakeTCPClient(t *testing.T, ctx context.Context, conn transport.Conn) {
	t.Helper()
	go func() {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		codec := wire.NewCodec()
		msg, err := codec.Decode(stream)
		require.NoError(t, err)
		connect, ok := msg.(*wire.TcpConnect)
		require.True(t, ok)

		for {
			msg, err := codec.Decode(stream)
			if err != nil {
				return
			}
			switch m := msg.(type) {
			case *wire.TcpData:
				echo := make([]byte, len(m.Data))
				for i, b := range m.Data {
					if b >= 'a' && b <= 'z' {
						b -= 32
					}
					echo[i] = b
				}
				reply := &wire.TcpData{StreamID: connect.StreamID, Data: echo}
				data, _ := codec.Encode(reply)
				stream.Write(data)
			case *wire.TcpClose:
				closeMsg := &wire.TcpClose{StreamID: connect.StreamID}
				data, _ := codec.Encode(closeMsg)
				stream.Write(data)
				return
			}
		}
	}()
}

func TestTCPRouterProxiesBytesToLiveTunnel(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 22000, TCPPortMax: 22010})
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
	runFakeTCPClient(t, ctx, clientSide)

	stream, err := clientSide.OpenStream(ctx)
	require.NoError(t, err)
	codec := wire.NewCodec()
	data, err := codec.Encode(&wire.Connect{
		TunnelID:  "tcp-tunnel",
		AuthToken: "secret",
		Protocols: []wire.ProtocolSpec{{Type: "tcp", Port: 22001}},
	})
	require.NoError(t, err)
	_, err = stream.Write(data)
	require.NoError(t, err)
	_, err = codec.Decode(stream) // Connected
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := mgr.Tunnel("tcp-tunnel")
		return ok
	}, time.Second, 10*time.Millisecond)

	router := New(reg, mgr, hooks, nil)
	require.NoError(t, router.EnsureListening(ctx, 22001))
	defer router.Stop()

	// EnsureListening returns once the listener is bound but accept starts
	// asynchronously; give it a moment to come up before dialing.
	var publicConn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", "127.0.0.1:22001")
		if err != nil {
			return false
		}
		publicConn = c
		return true
	}, time.Second, 10*time.Millisecond)
	defer publicConn.Close()

	_, err = publicConn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	publicConn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(publicConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(buf))
}

func TestTCPRouterClosesConnectionWhenNoRoute(t *testing.T) {
	reg := registry.New(registry.Config{Domain: "tunnel.example.com", TCPPortMin: 22100, TCPPortMax: 22110})
	hooks := observability.NewHooks()
	mgr := session.NewManager(session.DefaultConfig(), reg, auth.NewAuthenticator(auth.NewStaticTokenStore()), hooks, nil, nil)

	router := New(reg, mgr, hooks, nil)
	ctx := context.Background()
	require.NoError(t, router.EnsureListening(ctx, 22101))
	defer router.Stop()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", "127.0.0.1:22101")
		if err != nil {
			return false
		}
		conn = c
		return true
	}, time.Second, 10*time.Millisecond)
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "a port with no registered route must be closed immediately")
}
