package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// DialConfig configures a client-side QUIC dial to a relay.
type DialConfig struct {
	// RelayAddr is "host:port"; if no port is present DefaultQUICPort is used.
	RelayAddr string

	// TLSConfig is optional; when nil a permissive default (insecure, ALPN
	// set) is used. When set, a clone is taken and ALPN/ServerName are
	// filled in if absent.
	TLSConfig *tls.Config

	// IdleTimeout and KeepAlive mirror quic.Config's equivalents.
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}

// DefaultQUICPort is used when RelayAddr carries no explicit port.
const DefaultQUICPort = 4443

// DialQUIC dials the relay over QUIC and returns a Conn wrapping the
// resulting connection.
func DialQUIC(ctx context.Context, cfg DialConfig) (Conn, error) {
	host, port, err := net.SplitHostPort(cfg.RelayAddr)
	if err != nil {
		host = cfg.RelayAddr
		port = fmt.Sprintf("%d", DefaultQUICPort)
	}
	addr := net.JoinHostPort(host, port)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open udp socket: %w", err)
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
		}
	} else {
		tlsConfig = tlsConfig.Clone()
		if len(tlsConfig.NextProtos) == 0 {
			tlsConfig.NextProtos = []string{ALPN}
		}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 30 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 10 * time.Second
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}

	conn, err := quic.Dial(ctx, udpConn, udpAddr, tlsConfig, quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: dial relay: %w", err)
	}

	return &quicConn{
		conn:       conn,
		localAddr:  udpConn.LocalAddr().String(),
		remoteAddr: addr,
	}, nil
}

// quicConn adapts a quic.Connection to Conn, shared by the client dial side
// and the relay accept side.
type quicConn struct {
	conn       quic.Connection
	localAddr  string
	remoteAddr string
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return &quicStream{stream: s}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	return &quicStream{stream: s}, nil
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "closing")
}

func (c *quicConn) LocalAddr() string  { return c.localAddr }
func (c *quicConn) RemoteAddr() string { return c.remoteAddr }

// quicStream adapts a quic.Stream to Stream.
type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) Close() error                { return s.stream.Close() }
func (s *quicStream) StreamID() uint64            { return uint64(s.stream.StreamID()) }

func (s *quicStream) CloseWrite() error {
	s.stream.CancelWrite(0)
	return nil
}
