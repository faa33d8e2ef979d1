// Package registry implements the relay's route tables: the mapping from a
// public addressing key (TCP port, TLS SNI pattern, HTTP host, or custom
// domain) to the tunnel currently allowed to serve it.
package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/localup-dev/localup/internal/core"
	"github.com/localup-dev/localup/internal/wire"
)

const subdomainLabelChars = "abcdefghijklmnopqrstuvwxyz0123456789"
const subdomainLabelLen = 8
const maxSubdomainAttempts = 20

// RouteEntry is one allocated or reserved route.
type RouteEntry struct {
	TunnelID        string
	DescriptorIndex int
	Endpoint        wire.Endpoint

	Reserved      bool
	ReservedUntil time.Time
	registeredAt  time.Time
}

// Config configures a Registry's allocation behavior.
type Config struct {
	// Domain is the base domain new HTTP/HTTPS subdomains are issued under,
	// e.g. "tunnel.localup.io".
	Domain string

	// TCPPortMin/TCPPortMax bound the auto-assignable public TCP/TLS port
	// range.
	TCPPortMin uint16
	TCPPortMax uint16

	// ReservationTTL is how long a dropped tunnel's routes stay reserved
	// for reconnection before becoming free.
	ReservationTTL time.Duration
}

// DefaultReservationTTL is used when Config.ReservationTTL is zero.
const DefaultReservationTTL = 2 * time.Minute

// Registry holds the four route tables described by the relay's addressing
// scheme. All public methods are safe for concurrent use; the mutex is held
// only for the short critical section of a single table mutation or scan.
type Registry struct {
	cfg Config
	mu  sync.Mutex

	tcpPorts      map[uint16]*RouteEntry
	sniRoutes     map[string]*RouteEntry // key: pattern, possibly "*.suffix"
	httpHosts     map[string]*RouteEntry // key: subdomain label
	customDomains map[string]*RouteEntry // key: FQDN

	nextTCPPort uint16
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	return &Registry{
		cfg:           cfg,
		tcpPorts:      make(map[uint16]*RouteEntry),
		sniRoutes:     make(map[string]*RouteEntry),
		httpHosts:     make(map[string]*RouteEntry),
		customDomains: make(map[string]*RouteEntry),
		nextTCPPort:   cfg.TCPPortMin,
	}
}

// Allocate registers routes for every descriptor in protocols, owned by
// tunnelID. Allocation is all-or-nothing: if any descriptor conflicts with
// another tunnel's live or reserved route, no table is mutated and an error
// is returned. A tunnel re-allocating within its own reservation TTL
// recovers the identical endpoints it held before.
func (r *Registry) Allocate(protocols []wire.ProtocolSpec, tunnelID string) ([]wire.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked(time.Now())

	endpoints := make([]wire.Endpoint, len(protocols))
	plan := make([]func(), 0, len(protocols))

	for i, spec := range protocols {
		endpoint, apply, err := r.planDescriptor(spec, tunnelID, i)
		if err != nil {
			return nil, err
		}
		endpoints[i] = endpoint
		plan = append(plan, apply)
	}

	for _, apply := range plan {
		apply()
	}

	return endpoints, nil
}

// planDescriptor validates and prepares (but does not commit) the
// allocation for a single descriptor, returning the resulting endpoint and a
// commit closure.
func (r *Registry) planDescriptor(spec wire.ProtocolSpec, tunnelID string, index int) (wire.Endpoint, func(), error) {
	switch spec.Type {
	case "tcp":
		return r.planTCP(spec, tunnelID, index)
	case "tls":
		return r.planTLS(spec, tunnelID, index)
	case "http":
		return r.planHTTP(spec, tunnelID, index, false)
	case "https":
		return r.planHTTP(spec, tunnelID, index, true)
	default:
		return wire.Endpoint{}, nil, fmt.Errorf("registry: unknown protocol %q: %w", spec.Type, core.ErrProtocolViolation)
	}
}

func (r *Registry) planTCP(spec wire.ProtocolSpec, tunnelID string, index int) (wire.Endpoint, func(), error) {
	if spec.Port != 0 {
		if existing, ok := r.tcpPorts[spec.Port]; ok {
			if !r.ownedBy(existing, tunnelID) {
				return wire.Endpoint{}, nil, fmt.Errorf("registry: tcp port %d already in use: %w", spec.Port, core.ErrRouteConflict)
			}
			return existing.Endpoint, func() { r.commitTCP(spec.Port, tunnelID, index, existing.Endpoint) }, nil
		}
		endpoint := wire.Endpoint{Protocol: "tcp", Port: spec.Port, URL: fmt.Sprintf("tcp://%s:%d", r.cfg.Domain, spec.Port)}
		return endpoint, func() { r.commitTCP(spec.Port, tunnelID, index, endpoint) }, nil
	}

	// Recover the port previously auto-assigned to this tunnel/descriptor
	// before picking a new one. Re-committing clears any reservation mark
	// left by a prior Release.
	for port, existing := range r.tcpPorts {
		if existing.TunnelID == tunnelID && existing.DescriptorIndex == index {
			return existing.Endpoint, func() { r.commitTCP(port, tunnelID, index, existing.Endpoint) }, nil
		}
	}

	port, err := r.nextFreeTCPPort()
	if err != nil {
		return wire.Endpoint{}, nil, err
	}
	endpoint := wire.Endpoint{Protocol: "tcp", Port: port, URL: fmt.Sprintf("tcp://%s:%d", r.cfg.Domain, port)}
	return endpoint, func() { r.commitTCP(port, tunnelID, index, endpoint) }, nil
}

func (r *Registry) planTLS(spec wire.ProtocolSpec, tunnelID string, index int) (wire.Endpoint, func(), error) {
	pattern := strings.ToLower(spec.SNIPattern)
	if pattern == "" {
		return wire.Endpoint{}, nil, fmt.Errorf("registry: tls descriptor requires an sni pattern: %w", core.ErrProtocolViolation)
	}
	if existing, ok := r.sniRoutes[pattern]; ok {
		if r.ownedBy(existing, tunnelID) {
			return existing.Endpoint, func() { r.commitSNI(pattern, tunnelID, index, existing.Endpoint) }, nil
		}
		return wire.Endpoint{}, nil, fmt.Errorf("registry: sni pattern %q already in use: %w", pattern, core.ErrRouteConflict)
	}
	endpoint := wire.Endpoint{Protocol: "tls", URL: "tls://" + strings.TrimPrefix(pattern, "*.")}
	return endpoint, func() { r.commitSNI(pattern, tunnelID, index, endpoint) }, nil
}

func (r *Registry) planHTTP(spec wire.ProtocolSpec, tunnelID string, index int, https bool) (wire.Endpoint, func(), error) {
	scheme := "http"
	if https {
		scheme = "https"
	}

	var label string
	if spec.Subdomain != nil && *spec.Subdomain != "" {
		label = strings.ToLower(*spec.Subdomain)
	}

	if label != "" {
		if existing, ok := r.httpHosts[label]; ok {
			if r.ownedBy(existing, tunnelID) {
				return existing.Endpoint, func() { r.commitHTTP(label, tunnelID, index, existing.Endpoint) }, nil
			}
			return wire.Endpoint{}, nil, fmt.Errorf("registry: subdomain %q already in use: %w", label, core.ErrRouteConflict)
		}
		endpoint := wire.Endpoint{Protocol: scheme, URL: fmt.Sprintf("%s://%s.%s", scheme, label, r.cfg.Domain)}
		return endpoint, func() { r.commitHTTP(label, tunnelID, index, endpoint) }, nil
	}

	// Recover an existing auto-assigned subdomain for this tunnel/descriptor
	// before minting a new random one. Re-committing clears any reservation
	// mark left by a prior Release.
	if ownedLabel, existing := r.findOwnedHTTP(tunnelID, index); existing != nil {
		return existing.Endpoint, func() { r.commitHTTP(ownedLabel, tunnelID, index, existing.Endpoint) }, nil
	}

	newLabel, err := r.randomFreeSubdomain()
	if err != nil {
		return wire.Endpoint{}, nil, err
	}
	endpoint := wire.Endpoint{Protocol: scheme, URL: fmt.Sprintf("%s://%s.%s", scheme, newLabel, r.cfg.Domain)}
	return endpoint, func() { r.commitHTTP(newLabel, tunnelID, index, endpoint) }, nil
}

func (r *Registry) findOwnedHTTP(tunnelID string, index int) (string, *RouteEntry) {
	for label, entry := range r.httpHosts {
		if entry.TunnelID == tunnelID && entry.DescriptorIndex == index {
			return label, entry
		}
	}
	return "", nil
}

func (r *Registry) ownedBy(entry *RouteEntry, tunnelID string) bool {
	return entry.TunnelID == tunnelID
}

func (r *Registry) commitTCP(port uint16, tunnelID string, index int, endpoint wire.Endpoint) {
	r.tcpPorts[port] = &RouteEntry{TunnelID: tunnelID, DescriptorIndex: index, Endpoint: endpoint, registeredAt: time.Now()}
}

func (r *Registry) commitSNI(pattern, tunnelID string, index int, endpoint wire.Endpoint) {
	r.sniRoutes[pattern] = &RouteEntry{TunnelID: tunnelID, DescriptorIndex: index, Endpoint: endpoint, registeredAt: time.Now()}
}

func (r *Registry) commitHTTP(label, tunnelID string, index int, endpoint wire.Endpoint) {
	r.httpHosts[label] = &RouteEntry{TunnelID: tunnelID, DescriptorIndex: index, Endpoint: endpoint, registeredAt: time.Now()}
}

func (r *Registry) nextFreeTCPPort() (uint16, error) {
	if r.cfg.TCPPortMin == 0 || r.cfg.TCPPortMax == 0 {
		return 0, fmt.Errorf("registry: no tcp port range configured: %w", core.ErrEndpointUnavailable)
	}
	span := int(r.cfg.TCPPortMax) - int(r.cfg.TCPPortMin) + 1
	for i := 0; i < span; i++ {
		port := r.cfg.TCPPortMin + uint16((int(r.nextTCPPort-r.cfg.TCPPortMin)+i)%span)
		if _, taken := r.tcpPorts[port]; !taken {
			r.nextTCPPort = port + 1
			return port, nil
		}
	}
	return 0, fmt.Errorf("registry: tcp port range exhausted: %w", core.ErrEndpointUnavailable)
}

func (r *Registry) randomFreeSubdomain() (string, error) {
	for attempt := 0; attempt < maxSubdomainAttempts; attempt++ {
		label, err := randomLabel(subdomainLabelLen)
		if err != nil {
			return "", err
		}
		if _, taken := r.httpHosts[label]; !taken {
			return label, nil
		}
	}
	return "", fmt.Errorf("registry: could not find a free subdomain after %d attempts: %w", maxSubdomainAttempts, core.ErrEndpointUnavailable)
}

func randomLabel(n int) (string, error) {
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(subdomainLabelChars))))
		if err != nil {
			return "", fmt.Errorf("registry: generating random subdomain: %w", err)
		}
		buf[i] = subdomainLabelChars[idx.Int64()]
	}
	return string(buf), nil
}

// Release marks every route owned by tunnelID as reserved, expiring at
// now+reserveFor. A subsequent Allocate call for the same tunnel-id within
// the TTL recovers the identical endpoints.
func (r *Registry) Release(tunnelID string, reserveFor time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry := time.Now().Add(reserveFor)

	for _, e := range r.tcpPorts {
		if e.TunnelID == tunnelID {
			e.Reserved = true
			e.ReservedUntil = expiry
		}
	}
	for _, e := range r.sniRoutes {
		if e.TunnelID == tunnelID {
			e.Reserved = true
			e.ReservedUntil = expiry
		}
	}
	for _, e := range r.httpHosts {
		if e.TunnelID == tunnelID {
			e.Reserved = true
			e.ReservedUntil = expiry
		}
	}
	for _, e := range r.customDomains {
		if e.TunnelID == tunnelID {
			e.Reserved = true
			e.ReservedUntil = expiry
		}
	}
}

// ReleaseNow removes every route owned by tunnelID outright, with no
// reservation window. Used for an explicit client-initiated disconnect,
// which goes straight to Terminal rather than Reserved.
func (r *Registry) ReleaseNow(tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port, e := range r.tcpPorts {
		if e.TunnelID == tunnelID {
			delete(r.tcpPorts, port)
		}
	}
	for pattern, e := range r.sniRoutes {
		if e.TunnelID == tunnelID {
			delete(r.sniRoutes, pattern)
		}
	}
	for label, e := range r.httpHosts {
		if e.TunnelID == tunnelID {
			delete(r.httpHosts, label)
		}
	}
	for fqdn, e := range r.customDomains {
		if e.TunnelID == tunnelID {
			delete(r.customDomains, fqdn)
		}
	}
}

// BindCustomDomain assigns a fully-qualified custom domain to tunnelID,
// meant to be called by the (out of scope) admin API once a domain has been
// verified and a certificate provisioned for it. Fails with RouteConflict if
// the domain is already owned by a different, still-live tunnel.
func (r *Registry) BindCustomDomain(fqdn string, tunnelID string, descriptorIndex int, endpoint wire.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fqdn = strings.ToLower(fqdn)
	if existing, ok := r.customDomains[fqdn]; ok && !r.ownedBy(existing, tunnelID) && !existing.Reserved {
		return fmt.Errorf("registry: custom domain %q already in use: %w", fqdn, core.ErrRouteConflict)
	}

	r.customDomains[fqdn] = &RouteEntry{
		TunnelID:        tunnelID,
		DescriptorIndex: descriptorIndex,
		Endpoint:        endpoint,
		registeredAt:    time.Now(),
	}
	return nil
}

// ExpireNow sweeps every table, freeing reservations whose TTL has elapsed
// as of instant.
func (r *Registry) ExpireNow(instant time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(instant)
}

func (r *Registry) expireLocked(instant time.Time) {
	for port, e := range r.tcpPorts {
		if e.Reserved && instant.After(e.ReservedUntil) {
			delete(r.tcpPorts, port)
		}
	}
	for pattern, e := range r.sniRoutes {
		if e.Reserved && instant.After(e.ReservedUntil) {
			delete(r.sniRoutes, pattern)
		}
	}
	for label, e := range r.httpHosts {
		if e.Reserved && instant.After(e.ReservedUntil) {
			delete(r.httpHosts, label)
		}
	}
	for fqdn, e := range r.customDomains {
		if e.Reserved && instant.After(e.ReservedUntil) {
			delete(r.customDomains, fqdn)
		}
	}
}

// LookupTCP resolves a public TCP port to its owning route entry.
func (r *Registry) LookupTCP(port uint16) (*RouteEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tcpPorts[port]
	if !ok || e.Reserved {
		return nil, false
	}
	return e, true
}

// LookupSNI resolves a TLS SNI value using longest-suffix-label wildcard
// matching, with ties broken by most-specific (longest literal match), then
// registration recency.
func (r *Registry) LookupSNI(sni string) (*RouteEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sni = strings.ToLower(sni)

	var best *RouteEntry
	var bestPattern string

	for pattern, e := range r.sniRoutes {
		if e.Reserved {
			continue
		}
		if !sniMatches(pattern, sni) {
			continue
		}
		if best == nil || moreSpecificSNI(pattern, e, bestPattern, best) {
			best = e
			bestPattern = pattern
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

func sniMatches(pattern, sni string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == sni
	}
	suffix := strings.TrimPrefix(pattern, "*.")
	return sni != suffix && strings.HasSuffix(sni, "."+suffix)
}

func matchedLength(pattern string) int {
	if strings.HasPrefix(pattern, "*.") {
		return len(strings.TrimPrefix(pattern, "*."))
	}
	return len(pattern)
}

func moreSpecificSNI(patternA string, a *RouteEntry, patternB string, b *RouteEntry) bool {
	la, lb := matchedLength(patternA), matchedLength(patternB)
	if la != lb {
		return la > lb
	}
	return a.registeredAt.After(b.registeredAt)
}

// LookupHost resolves an HTTP/HTTPS subdomain label to its route entry.
func (r *Registry) LookupHost(label string) (*RouteEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.httpHosts[strings.ToLower(label)]
	if !ok || e.Reserved {
		return nil, false
	}
	return e, true
}

// LookupCustomDomain resolves a fully-qualified custom domain to its route
// entry.
func (r *Registry) LookupCustomDomain(fqdn string) (*RouteEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.customDomains[strings.ToLower(fqdn)]
	if !ok || e.Reserved {
		return nil, false
	}
	return e, true
}
