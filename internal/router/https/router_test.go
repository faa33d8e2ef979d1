package https

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/auth"
	"github.com/localup-dev/localup/internal/certs"
	"github.com/localup-dev/localup/internal/observability"
	httprouter "github.com/localup-dev/localup/internal/router/http"
	"github.com/localup-dev/localup/internal/registry"
	"github.com/localup-dev/localup/internal/session"
	"github.com/localup-dev/localup/internal/transport/transporttest"
	"github.com/localup-dev/localup/internal/wire"
)

func selfSignedFor(t *testing.T, host string) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestHTTPSRouterTerminatesTLSAndProxies(t *testing.T) {
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
	go func() {
		stream, err := clientSide.AcceptStream(ctx)
		if err != nil {
			return
		}
		codec := wire.NewCodec()
		msg, err := codec.Decode(stream)
		if err != nil {
			return
		}
		req := msg.(*wire.HttpRequest)
		resp := &wire.HttpResponse{StreamID: req.StreamID, Status: 200, Body: []byte("secure-pong")}
		data, _ := codec.Encode(resp)
		stream.Write(data)
	}()

	stream, err := clientSide.OpenStream(ctx)
	require.NoError(t, err)
	codec := wire.NewCodec()
	data, err := codec.Encode(&wire.Connect{
		TunnelID:  "https-tunnel",
		AuthToken: "secret",
		Protocols: []wire.ProtocolSpec{{Type: "https", Subdomain: strPtrHTTPS("secure")}},
	})
	require.NoError(t, err)
	_, err = stream.Write(data)
	require.NoError(t, err)
	_, err = codec.Decode(stream)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := mgr.Tunnel("https-tunnel")
		return ok
	}, time.Second, 10*time.Millisecond)

	certProvider := certs.NewProvider()
	certProvider.Set("*.tunnel.example.com", selfSignedFor(t, "secure.tunnel.example.com"), certs.SourceStatic)

	httpRouter := httprouter.New(reg, mgr, hooks, "tunnel.example.com", nil)
	router := New(httpRouter, certProvider)
	require.NoError(t, router.Start(ctx, "127.0.0.1:0"))
	defer router.Stop()

	addr := router.ln.Addr().String()

	httpClient := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			// The URL host is an IP address, which is never sent as SNI;
			// name the tunnel host so the certificate lookup can match.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "secure.tunnel.example.com"},
		},
	}
	req, err := http.NewRequest(http.MethodGet, "https://"+addr+"/", nil)
	require.NoError(t, err)
	req.Host = "secure.tunnel.example.com"

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "secure-pong", string(body))
}

func strPtrHTTPS(s string) *string { return &s }
