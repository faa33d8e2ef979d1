// Package session implements the relay-side per-tunnel state machine:
// registration, heartbeat, disconnection, and the reservation handoff on an
// unexpected drop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localup-dev/localup/internal/auth"
	"github.com/localup-dev/localup/internal/core"
	"github.com/localup-dev/localup/internal/observability"
	"github.com/localup-dev/localup/internal/registry"
	"github.com/localup-dev/localup/internal/transport"
	"github.com/localup-dev/localup/internal/wire"
)

// State is one stage of the relay-side tunnel lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateLive
	StateDraining
	StateReserved
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateReserved:
		return "reserved"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Config tunes the timing knobs of the relay-side state machine.
type Config struct {
	// HandshakeTimeout bounds how long the relay waits for the peer to open
	// stream 0 and send Connect after the connection is accepted.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how often Ping is sent on a Live tunnel.
	HeartbeatInterval time.Duration

	// HeartbeatMissBudget is how many consecutive expected Pongs may be
	// missed before the tunnel is drained for heartbeat_timeout.
	HeartbeatMissBudget int

	// ReservationTTL is how long a dropped tunnel's routes stay reserved.
	ReservationTTL time.Duration
}

// DefaultConfig returns the relay's standard handshake and heartbeat
// timings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    10 * time.Second,
		HeartbeatInterval:   15 * time.Second,
		HeartbeatMissBudget: 2,
		ReservationTTL:      registry.DefaultReservationTTL,
	}
}

// Manager owns every registered Tunnel on the relay and drives each one's
// state machine from the moment its QUIC connection is accepted. A tunnel
// is removed once it reaches Terminal; a reservation lives on only in the
// registry.
type Manager struct {
	cfg           Config
	registry      *registry.Registry
	authenticator *auth.Authenticator
	hooks         *observability.Hooks
	logger        *slog.Logger

	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	// onLive is invoked once a tunnel reaches StateLive, letting the control
	// plane start listening on any newly allocated ports.
	onLive func(t *Tunnel)
}

// NewManager creates a Manager. onLive may be nil.
func NewManager(cfg Config, reg *registry.Registry, authenticator *auth.Authenticator, hooks *observability.Hooks, logger *slog.Logger, onLive func(t *Tunnel)) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatMissBudget <= 0 {
		cfg.HeartbeatMissBudget = DefaultConfig().HeartbeatMissBudget
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig().ReservationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:           cfg,
		registry:      reg,
		authenticator: authenticator,
		hooks:         hooks,
		logger:        logger,
		tunnels:       make(map[string]*Tunnel),
		onLive:        onLive,
	}
}

// Tunnel looks up a live tunnel by ID.
func (m *Manager) Tunnel(id string) (*Tunnel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// liveTunnelsFor counts the tunnels an owner currently holds, checked by the
// authenticator against a token's MaxTunnels limit. It is approximate in the
// face of concurrent registrations, which is acceptable for a soft limit.
func (m *Manager) liveTunnelsFor(ownerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tunnels {
		if t.principal != nil && t.principal.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// HandleConnection drives one accepted QUIC connection through the full
// Handshaking -> Authenticating -> Live state machine, blocking until the
// tunnel reaches Terminal. Intended to run on its own goroutine per
// connection, matching the relay listener's accept-loop contract.
func (m *Manager) HandleConnection(ctx context.Context, conn transport.Conn) {
	t := &Tunnel{
		manager: m,
		conn:    conn,
		codec:   wire.NewCodec(),
		state:   StateHandshaking,
		logger:  m.logger,
		done:    make(chan struct{}),
	}

	if err := t.handshake(ctx); err != nil {
		m.logger.Warn("tunnel handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	m.register(t)
	defer m.deregister(t)

	t.runLive(ctx)
}

func (m *Manager) register(t *Tunnel) {
	m.mu.Lock()
	m.tunnels[t.id] = t
	m.mu.Unlock()
	if m.onLive != nil {
		m.onLive(t)
	}
}

func (m *Manager) deregister(t *Tunnel) {
	m.mu.Lock()
	if m.tunnels[t.id] == t {
		delete(m.tunnels, t.id)
	}
	m.mu.Unlock()
}

// Shutdown sends Disconnect{"relay_shutdown"} to every live tunnel and waits
// (up to ctx's deadline) for each to close, mirroring a GOAWAY-before-close
// drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range tunnels {
		wg.Add(1)
		go func(t *Tunnel) {
			defer wg.Done()
			t.sendDisconnect("relay_shutdown")
			select {
			case <-t.done:
			case <-ctx.Done():
			}
		}(t)
	}
	wg.Wait()
}

// Tunnel is the relay-side record of one client's tunnel session: its
// control stream, its state, and the protocol descriptors/endpoints it was
// granted at registration.
type Tunnel struct {
	manager *Manager
	conn    transport.Conn
	codec   *wire.Codec
	logger  *slog.Logger

	id        string
	principal *auth.TokenRecord
	protocols []wire.ProtocolSpec
	config    wire.TunnelConfig
	endpoints []wire.Endpoint

	controlStream transport.Stream

	mu    sync.Mutex
	state State

	missedPongs   atomic.Int32
	lastPingSent  atomic.Int64 // unix seconds
	disconnecting atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the tunnel's unique identifier.
func (t *Tunnel) ID() string { return t.id }

// Endpoints returns the public endpoints allocated to this tunnel.
func (t *Tunnel) Endpoints() []wire.Endpoint { return t.endpoints }

// Protocols returns the descriptors this tunnel requested.
func (t *Tunnel) Protocols() []wire.ProtocolSpec { return t.protocols }

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Done returns a channel closed once the tunnel reaches Terminal.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// OpenStream opens a new stream toward the client over this tunnel's
// connection, for a protocol router to deliver one accepted public
// connection. Stream 0 is never returned here; transport.Conn.OpenStream
// always allocates a fresh stream id.
func (t *Tunnel) OpenStream(ctx context.Context) (transport.Stream, error) {
	if t.State() != StateLive {
		return nil, fmt.Errorf("session: tunnel %s is not live: %w", t.id, core.ErrTransportLoss)
	}
	stream, err := t.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: open stream for tunnel %s: %w", t.id, err)
	}
	return stream, nil
}

// handshake waits for stream 0 and the first Connect message, authenticates
// it, and allocates routes. On any failure it sends Disconnect (except for
// protocol violations, which close without one) and returns an error.
func (t *Tunnel) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, t.manager.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := t.conn.AcceptStream(hsCtx)
	if err != nil {
		return fmt.Errorf("session: %w: stream 0 not opened in time", core.ErrProtocolViolation)
	}
	if stream.StreamID() != wire.ControlStreamID {
		stream.Close()
		return fmt.Errorf("session: %w: first stream was %d, want 0", core.ErrProtocolViolation, stream.StreamID())
	}
	t.controlStream = stream

	msg, err := t.codec.Decode(stream)
	if err != nil {
		return fmt.Errorf("session: %w: decoding first stream-0 message: %v", core.ErrProtocolViolation, err)
	}
	connect, ok := msg.(*wire.Connect)
	if !ok {
		return fmt.Errorf("session: %w: first message was %T, want Connect", core.ErrProtocolViolation, msg)
	}

	t.setState(StateAuthenticating)

	t.id = connect.TunnelID
	principal, err := t.manager.authenticator.Authenticate(connect.AuthToken, connect.Protocols, t.manager.liveTunnelsFor)
	if err != nil {
		t.sendDisconnect(err.Error())
		return fmt.Errorf("session: authentication failed for tunnel %s: %w", t.id, err)
	}
	t.principal = principal

	endpoints, err := t.manager.registry.Allocate(connect.Protocols, connect.TunnelID)
	if err != nil {
		t.sendDisconnect(err.Error())
		return fmt.Errorf("session: allocation failed for tunnel %s: %w", t.id, err)
	}

	t.protocols = connect.Protocols
	t.config = connect.Config
	t.endpoints = endpoints

	if err := t.send(&wire.Connected{TunnelID: t.id, Endpoints: endpoints}); err != nil {
		return fmt.Errorf("session: send Connected for tunnel %s: %w", t.id, err)
	}

	t.setState(StateLive)
	t.logger.Info("tunnel live", "tunnel_id", t.id, "owner", principal.OwnerID, "endpoints", len(endpoints))
	return nil
}

// runLive services the Live state: heartbeat pings, control-stream
// Pong/Disconnect handling, and the eventual transition to Reserved or
// Terminal. It returns once the tunnel has left Live for good.
func (t *Tunnel) runLive(ctx context.Context) {
	liveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan wire.Message)
	errCh := make(chan error, 1)

	go func() {
		for {
			msg, err := t.codec.Decode(t.controlStream)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-liveCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(t.manager.cfg.HeartbeatInterval)
	defer ticker.Stop()

	t.sendPing()

	for {
		select {
		case <-ctx.Done():
			t.terminateReserved("context canceled")
			return

		case <-ticker.C:
			// Each tick marks the previous ping's pong as missed unless the
			// Pong handler reset the counter in between.
			if t.missedPongs.Add(1) >= int32(t.manager.cfg.HeartbeatMissBudget) {
				t.drain(core.ErrHeartbeatTimeout.Error())
				t.sendDisconnect("heartbeat_timeout")
				t.terminateReserved("heartbeat_timeout")
				return
			}
			t.sendPing()

		case msg := <-msgCh:
			switch m := msg.(type) {
			case *wire.Pong:
				t.missedPongs.Store(0)
				t.logger.Debug("received Pong", "tunnel_id", t.id, "timestamp", m.Timestamp)

			case *wire.Disconnect:
				t.logger.Info("client requested disconnect", "tunnel_id", t.id, "reason", m.Reason)
				t.drain(m.Reason)
				t.manager.registry.ReleaseNow(t.id)
				t.send(&wire.DisconnectAck{TunnelID: t.id})
				t.closeTerminal()
				return

			default:
				t.logger.Warn("unexpected control message", "tunnel_id", t.id, "type", fmt.Sprintf("%T", msg))
			}

		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				t.logger.Info("control stream closed by peer", "tunnel_id", t.id)
			} else {
				t.logger.Warn("control stream read failed", "tunnel_id", t.id, "error", err)
			}
			t.terminateReserved("transport_loss")
			return
		}
	}
}

func (t *Tunnel) sendPing() {
	ts := uint64(time.Now().Unix())
	t.lastPingSent.Store(int64(ts))
	if err := t.send(&wire.Ping{Timestamp: ts}); err != nil {
		t.logger.Warn("failed to send Ping", "tunnel_id", t.id, "error", err)
	}
}

// drain transitions the tunnel to Draining; it is the step before either a
// DisconnectAck handshake (client-initiated) or an immediate terminal close
// (heartbeat timeout, relay shutdown).
func (t *Tunnel) drain(reason string) {
	if !t.disconnecting.CompareAndSwap(false, true) {
		return
	}
	t.setState(StateDraining)
	t.logger.Info("tunnel draining", "tunnel_id", t.id, "reason", reason)
}

// terminateReserved transitions a tunnel that dropped without an explicit
// Disconnect into Reserved: its routes stay claimed for ReservationTTL so a
// prompt reconnect with the same tunnel-id recovers them.
func (t *Tunnel) terminateReserved(reason string) {
	t.setState(StateReserved)
	t.manager.registry.Release(t.id, t.manager.cfg.ReservationTTL)
	t.logger.Info("tunnel reserved", "tunnel_id", t.id, "reason", reason, "ttl", t.manager.cfg.ReservationTTL)
	t.closeTerminal()
}

// closeTerminal closes the underlying connection and marks the tunnel done.
// Safe to call more than once.
func (t *Tunnel) closeTerminal() {
	t.closeOnce.Do(func() {
		t.setState(StateTerminal)
		t.conn.Close()
		close(t.done)
	})
}

func (t *Tunnel) sendDisconnect(reason string) {
	t.send(&wire.Disconnect{Reason: reason})
}

func (t *Tunnel) send(msg wire.Message) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if t.controlStream == nil {
		return fmt.Errorf("session: no control stream for tunnel %s", t.id)
	}
	_, err = t.controlStream.Write(data)
	return err
}
