// Package control wires every relay-side component (the QUIC control
// listener, the four protocol routers, the route registry, the
// authenticator, and the certificate provider) into one runnable server.
package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/localup-dev/localup/internal/auth"
	"github.com/localup-dev/localup/internal/certs"
	"github.com/localup-dev/localup/internal/observability"
	"github.com/localup-dev/localup/internal/registry"
	"github.com/localup-dev/localup/internal/router/http"
	"github.com/localup-dev/localup/internal/router/https"
	"github.com/localup-dev/localup/internal/router/tcp"
	tlsrouter "github.com/localup-dev/localup/internal/router/tls"
	"github.com/localup-dev/localup/internal/session"
	"github.com/localup-dev/localup/internal/transport"
)

// Config configures a Plane.
type Config struct {
	// ControlAddr is the UDP address the QUIC control listener binds, e.g.
	// ":4443".
	ControlAddr string

	// TLSConfig presents the relay's certificate for the QUIC ALPN
	// handshake. Required.
	TLSConfig *tls.Config

	// HTTPAddr/HTTPSAddr/TLSPassthroughAddr are the fixed ingress addresses
	// for the three non-QUIC protocol routers. A router is not started if
	// its address is empty.
	HTTPAddr           string
	HTTPSAddr          string
	TLSPassthroughAddr string

	// Domain is the base domain HTTP/HTTPS subdomains are resolved under.
	Domain string

	Registry     registry.Config
	Session      session.Config
	TokenStore   auth.TokenStore
	CertProvider *certs.Provider

	// ReservationSweepInterval is how often expired reservations are swept
	// from the registry. Defaults to 30s.
	ReservationSweepInterval time.Duration

	Logger *slog.Logger
}

// Plane is the running relay: one QUIC control listener accepting tunnel
// connections, plus the protocol routers that serve public traffic over
// whichever tunnels are live.
type Plane struct {
	cfg Config

	registry      *registry.Registry
	authenticator *auth.Authenticator
	hooks         *observability.Hooks
	sessions      *session.Manager
	certs         *certs.Provider
	logger        *slog.Logger

	quicListener *transport.Listener
	tcpRouter    *tcp.Router
	tlsRouter    *tlsrouter.Router
	httpRouter   *http.Router
	httpsRouter  *https.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Plane from cfg. It does not start listening; call Run.
func New(cfg Config) (*Plane, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("control: Config.TLSConfig is required")
	}
	if cfg.TokenStore == nil {
		return nil, fmt.Errorf("control: Config.TokenStore is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReservationSweepInterval <= 0 {
		cfg.ReservationSweepInterval = 30 * time.Second
	}

	certProvider := cfg.CertProvider
	if certProvider == nil {
		certProvider = certs.NewProvider()
	}

	reg := registry.New(cfg.Registry)
	authenticator := auth.NewAuthenticator(cfg.TokenStore)
	hooks := observability.NewHooks()

	p := &Plane{
		cfg:           cfg,
		registry:      reg,
		authenticator: authenticator,
		hooks:         hooks,
		certs:         certProvider,
		logger:        logger,
	}

	p.sessions = session.NewManager(cfg.Session, reg, authenticator, hooks, logger, p.onTunnelLive)
	p.tcpRouter = tcp.New(reg, p.sessions, hooks, logger)
	p.tlsRouter = tlsrouter.New(reg, p.sessions, hooks, logger)
	p.httpRouter = http.New(reg, p.sessions, hooks, cfg.Domain, logger)
	p.httpsRouter = https.New(p.httpRouter, certProvider)

	return p, nil
}

// Registry, Hooks, and Certs expose the Plane's shared collaborators, e.g.
// so an admin API (out of scope here) can register custom domains or
// certificates against the same registry and cert provider the routers use.
func (p *Plane) Registry() *registry.Registry { return p.registry }
func (p *Plane) Hooks() *observability.Hooks  { return p.hooks }
func (p *Plane) Certs() *certs.Provider       { return p.certs }

// onTunnelLive is invoked by the session manager once a tunnel finishes its
// handshake. It ensures a TCP listener is bound for every allocated TCP
// port; the HTTP, HTTPS and TLS passthrough routers listen on fixed
// addresses started by Run.
func (p *Plane) onTunnelLive(t *session.Tunnel) {
	ctx := context.Background()
	for _, ep := range t.Endpoints() {
		switch ep.Protocol {
		case "tcp":
			if err := p.tcpRouter.EnsureListening(ctx, ep.Port); err != nil {
				p.logger.Warn("control: failed to bind tcp port", "tunnel_id", t.ID(), "port", ep.Port, "error", err)
			}
		case "tls":
			// The TLS passthrough router serves one shared port for every
			// tunnel's SNI patterns; ep.Port is informational here.
		}
	}
}

// Run starts the QUIC control listener and every configured protocol
// router, and blocks until ctx is cancelled or a fatal listener error
// occurs.
func (p *Plane) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	ln, err := transport.ListenQUIC(transport.ListenerConfig{
		Addr:      p.cfg.ControlAddr,
		TLSConfig: p.cfg.TLSConfig,
		Logger:    p.logger,
	})
	if err != nil {
		return fmt.Errorf("control: start quic listener: %w", err)
	}
	p.quicListener = ln
	defer ln.Close()

	if p.cfg.TLSPassthroughAddr != "" {
		if err := p.tlsRouter.Start(runCtx, p.cfg.TLSPassthroughAddr); err != nil {
			return fmt.Errorf("control: start tls router: %w", err)
		}
	}
	if p.cfg.HTTPAddr != "" {
		if err := p.httpRouter.Start(runCtx, p.cfg.HTTPAddr); err != nil {
			return fmt.Errorf("control: start http router: %w", err)
		}
	}
	if p.cfg.HTTPSAddr != "" {
		if err := p.httpsRouter.Start(runCtx, p.cfg.HTTPSAddr); err != nil {
			return fmt.Errorf("control: start https router: %w", err)
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepReservations(runCtx)
	}()

	p.logger.Info("control plane listening", "addr", ln.Addr().String())
	err = ln.Serve(runCtx, func(conn transport.Conn) {
		p.sessions.HandleConnection(runCtx, conn)
	})

	p.wg.Wait()
	return err
}

// Shutdown drains every live tunnel, then stops the listeners.
func (p *Plane) Shutdown(ctx context.Context) {
	p.sessions.Shutdown(ctx)

	if p.tcpRouter != nil {
		p.tcpRouter.Stop()
	}
	if p.tlsRouter != nil {
		p.tlsRouter.Stop()
	}
	if p.httpRouter != nil {
		p.httpRouter.Stop()
	}
	if p.httpsRouter != nil {
		p.httpsRouter.Stop()
	}
	if p.quicListener != nil {
		p.quicListener.Close()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Plane) sweepReservations(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReservationSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.registry.ExpireNow(now)
		}
	}
}
