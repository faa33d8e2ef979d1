// Package client is a Go SDK for creating tunnels to expose local services
// through a LocalUp relay.
//
// Example usage:
//
//	agent, err := client.NewAgent(client.WithAuthtoken("your-token"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ln, err := agent.Forward(ctx,
//	    client.WithUpstream("http://localhost:8080"),
//	    client.WithSubdomain("myapp"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Tunnel online:", ln.URL())
//	<-ln.Done()
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localup-dev/localup/internal/transport"
)

// Agent manages the connection to a LocalUp relay and the tunnels created
// over it.
type Agent struct {
	config  *AgentConfig
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	conn    transport.Conn
}

// AgentConfig holds the configuration for an Agent.
type AgentConfig struct {
	// Authtoken authenticates the agent to the relay.
	Authtoken string

	// RelayAddr is "host:port" (default: DefaultRelayAddr).
	RelayAddr string

	// TLSConfig is optional TLS configuration for the connection.
	TLSConfig *tls.Config

	// Logger is an optional logger for debug output.
	Logger Logger

	// Metadata contains optional key-value pairs stored on the agent; they
	// are not sent to the relay.
	Metadata map[string]string

	// Reconnect enables automatic reconnection on connection failure.
	Reconnect bool

	// ReconnectMaxRetries caps reconnection attempts; 0 means unlimited.
	ReconnectMaxRetries int

	// ReconnectInitialDelay is the delay before the first reconnect attempt.
	ReconnectInitialDelay time.Duration

	// ReconnectMaxDelay caps the exponential backoff delay.
	ReconnectMaxDelay time.Duration

	// ReconnectMultiplier is the backoff multiplier.
	ReconnectMultiplier float64
}

// AgentOption configures an AgentConfig.
type AgentOption func(*AgentConfig)

// WithAuthtoken sets the authentication token for the agent.
func WithAuthtoken(token string) AgentOption {
	return func(c *AgentConfig) { c.Authtoken = token }
}

// WithRelayAddr sets the relay server address ("host:port").
func WithRelayAddr(addr string) AgentOption {
	return func(c *AgentConfig) { c.RelayAddr = addr }
}

// WithTLSConfig sets custom TLS configuration for the control connection.
func WithTLSConfig(tlsConfig *tls.Config) AgentOption {
	return func(c *AgentConfig) { c.TLSConfig = tlsConfig }
}

// WithLogger sets a custom logger for the agent.
func WithLogger(logger Logger) AgentOption {
	return func(c *AgentConfig) { c.Logger = logger }
}

// WithMetadata sets metadata key-value pairs for the agent.
func WithMetadata(metadata map[string]string) AgentOption {
	return func(c *AgentConfig) { c.Metadata = metadata }
}

// WithReconnect enables or disables automatic reconnection. Default: true.
func WithReconnect(enabled bool) AgentOption {
	return func(c *AgentConfig) { c.Reconnect = enabled }
}

// WithReconnectMaxRetries sets the maximum number of reconnection attempts.
// 0 means unlimited.
func WithReconnectMaxRetries(maxRetries int) AgentOption {
	return func(c *AgentConfig) { c.ReconnectMaxRetries = maxRetries }
}

// WithReconnectBackoff configures the exponential reconnect backoff.
func WithReconnectBackoff(initialDelay, maxDelay time.Duration, multiplier float64) AgentOption {
	return func(c *AgentConfig) {
		c.ReconnectInitialDelay = initialDelay
		c.ReconnectMaxDelay = maxDelay
		c.ReconnectMultiplier = multiplier
	}
}

// NewAgent creates a new LocalUp agent with the given options.
func NewAgent(opts ...AgentOption) (*Agent, error) {
	config := &AgentConfig{
		RelayAddr:             DefaultRelayAddr,
		Logger:                &noopLogger{},
		Metadata:              make(map[string]string),
		Reconnect:             true,
		ReconnectMaxRetries:   0,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMultiplier:   2.0,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Authtoken == "" {
		return nil, errors.New("client: authtoken is required: use WithAuthtoken option")
	}

	return &Agent{
		config:  config,
		tunnels: make(map[string]*Tunnel),
	}, nil
}

// Forward creates a tunnel that forwards public traffic to the given
// upstream. The tunnel starts immediately.
func (a *Agent) Forward(ctx context.Context, opts ...TunnelOption) (*Tunnel, error) {
	config := &TunnelConfig{Protocol: ProtocolHTTP}
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("client: invalid tunnel config: %w", err)
	}

	tunnel, err := a.createTunnel(ctx, config)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.tunnels[tunnel.ID()] = tunnel
	a.mu.Unlock()

	return tunnel, nil
}

// Listen creates a tunnel with no upstream configured (default protocol
// TCP). The tunnel registers its endpoints with the relay, but Tunnel
// offers no way to accept its incoming connections: HTTP requests are
// answered with 502 Bad Gateway and TCP/TLS streams fail to reach a
// local service.
func (a *Agent) Listen(ctx context.Context, opts ...TunnelOption) (*Tunnel, error) {
	config := &TunnelConfig{Protocol: ProtocolTCP}
	for _, opt := range opts {
		opt(config)
	}
	config.Upstream = ""

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("client: invalid tunnel config: %w", err)
	}

	tunnel, err := a.createTunnel(ctx, config)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.tunnels[tunnel.ID()] = tunnel
	a.mu.Unlock()

	return tunnel, nil
}

// Close closes all tunnels and disconnects from the relay.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, tunnel := range a.tunnels {
		if err := tunnel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.tunnels = make(map[string]*Tunnel)

	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.conn = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("client: errors closing agent: %v", errs)
	}
	return nil
}

// createTunnel establishes (or reuses) the control connection and registers
// a new tunnel over it.
func (a *Agent) createTunnel(ctx context.Context, config *TunnelConfig) (*Tunnel, error) {
	if a.conn == nil {
		conn, err := a.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("client: failed to connect to relay: %w", err)
		}
		a.conn = conn
	}

	tunnel := newTunnel(ctx, a, config)

	if err := tunnel.register(ctx); err != nil {
		return nil, fmt.Errorf("client: failed to register tunnel: %w", err)
	}

	go tunnel.run(ctx)

	return tunnel, nil
}

// connect establishes a QUIC connection to the relay server.
func (a *Agent) connect(ctx context.Context) (transport.Conn, error) {
	a.config.Logger.Debug("connecting to relay via QUIC", "addr", a.config.RelayAddr)

	conn, err := transport.DialQUIC(ctx, transport.DialConfig{
		RelayAddr:   a.config.RelayAddr,
		TLSConfig:   a.config.TLSConfig,
		IdleTimeout: DefaultIdleTimeout,
		KeepAlive:   DefaultKeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("client: QUIC connection failed: %w", err)
	}

	a.config.Logger.Debug("connected via QUIC", "addr", a.config.RelayAddr)
	return conn, nil
}
