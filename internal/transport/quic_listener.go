package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ListenerConfig configures the relay's public QUIC control listener.
type ListenerConfig struct {
	// Addr is the UDP address to listen on, e.g. ":4443".
	Addr string

	// TLSConfig must present a certificate; a clone is used whose
	// NextProtos is always replaced with []string{ALPN}.
	TLSConfig *tls.Config

	// IdleTimeout and KeepAlive mirror quic.Config's equivalents.
	IdleTimeout time.Duration
	KeepAlive   time.Duration

	Logger *slog.Logger
}

// Listener accepts incoming client connections on a single bound QUIC
// socket. Its accept loop and error classification follow the pattern of
// production QUIC servers in this ecosystem: one goroutine blocked in
// Accept, handing each connection to a callback on its own goroutine so a
// slow or malicious client can never block new connections from landing.
type Listener struct {
	ln     *quic.Listener
	logger *slog.Logger
}

// ListenQUIC binds a UDP socket and starts a QUIC listener on it.
func ListenQUIC(cfg ListenerConfig) (*Listener, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		return nil, errors.New("transport: ListenerConfig.TLSConfig is required")
	}
	tlsConfig = tlsConfig.Clone()
	tlsConfig.NextProtos = []string{ALPN}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 30 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 10 * time.Second
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen addr %s: %w", cfg.Addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", cfg.Addr, err)
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        idleTimeout,
		KeepAlivePeriod:       keepAlive,
		MaxIncomingStreams:    math.MaxUint16,
		MaxIncomingUniStreams: -1,
	}

	ln, err := quic.Listen(udpConn, tlsConfig, quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}

	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close shuts the listener down; in-flight Accept calls return promptly.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve runs the accept loop until ctx is cancelled or the listener closes,
// invoking onConn for every accepted connection on its own goroutine.
// Errors that indicate ordinary shutdown or idle-timeout churn are logged at
// debug level rather than treated as failures, mirroring how production
// QUIC servers in this ecosystem distinguish routine connection loss from
// a real listener fault.
func (l *Listener) Serve(ctx context.Context, onConn func(Conn)) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isExpectedQUICErr(err) {
				l.logger.Debug("quic listener: connection churn", "error", err)
				continue
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		wrapped := &quicConn{
			conn:       conn,
			localAddr:  l.ln.Addr().String(),
			remoteAddr: conn.RemoteAddr().String(),
		}
		go onConn(wrapped)
	}
}

// isExpectedQUICErr reports whether err represents ordinary connection
// churn (idle timeout, peer-initiated close with no application error,
// listener shutdown) rather than a condition worth surfacing as a failure.
func isExpectedQUICErr(err error) bool {
	if errors.Is(err, quic.ErrServerClosed) {
		return true
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
