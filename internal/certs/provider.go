// Package certs implements the relay's HTTPS certificate resolution: an SNI
// keyed map of certificates, updated with read-copy-update semantics so
// in-flight TLS handshakes never observe a half-built map.
package certs

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrUnrecognizedName means no certificate is registered for the SNI value
// a handshake presented; the caller should fail the handshake with TLS alert
// unrecognized_name.
var ErrUnrecognizedName = errors.New("certs: no certificate for server name")

// Source records how an entry was populated, for observability only.
type Source string

const (
	SourceStatic       Source = "static"
	SourceCustomDomain Source = "custom_domain"
	SourceACME         Source = "acme"
)

type entry struct {
	cert   *tls.Certificate
	source Source
}

type certMap map[string]entry

// Provider resolves a TLS certificate by SNI label. Entries are populated
// from three places: static startup config, the (out of scope) admin API
// for uploaded per-custom-domain certificates, and the (out of scope) ACME
// collaborator. Readers take an atomic snapshot of the whole map; writers
// publish a wholesale replacement, so a lookup never observes a partially
// updated map and a handshake in flight keeps whatever snapshot it already
// read even if the entry is rotated or removed mid-handshake.
type Provider struct {
	snapshot atomic.Pointer[certMap]
}

// NewProvider creates an empty Provider.
func NewProvider() *Provider {
	p := &Provider{}
	empty := make(certMap)
	p.snapshot.Store(&empty)
	return p
}

// Set publishes cert for sni (case-insensitive), replacing any prior entry.
// sni may be a literal host ("api.example.com") or a wildcard pattern
// ("*.example.com").
func (p *Provider) Set(sni string, cert *tls.Certificate, source Source) {
	key := strings.ToLower(sni)
	for {
		old := p.snapshot.Load()
		next := make(certMap, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[key] = entry{cert: cert, source: source}
		if p.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove deletes the entry for sni, if present.
func (p *Provider) Remove(sni string) {
	key := strings.ToLower(sni)
	for {
		old := p.snapshot.Load()
		if _, ok := (*old)[key]; !ok {
			return
		}
		next := make(certMap, len(*old))
		for k, v := range *old {
			if k != key {
				next[k] = v
			}
		}
		if p.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Lookup resolves sni to a certificate: exact match first, then a
// single-level wildcard ("*.suffix") covering the remainder of the name.
func (p *Provider) Lookup(sni string) (*tls.Certificate, bool) {
	sni = strings.ToLower(sni)
	m := *p.snapshot.Load()

	if e, ok := m[sni]; ok {
		return e.cert, true
	}

	if idx := strings.IndexByte(sni, '.'); idx >= 0 {
		wildcard := "*." + sni[idx+1:]
		if e, ok := m[wildcard]; ok {
			return e.cert, true
		}
	}

	return nil, false
}

// GetCertificate implements the tls.Config.GetCertificate hook shape used
// throughout this ecosystem for SNI-based certificate selection.
func (p *Provider) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, ok := p.Lookup(hello.ServerName)
	if !ok {
		return nil, fmt.Errorf("certs: %q: %w", hello.ServerName, ErrUnrecognizedName)
	}
	return cert, nil
}

// LoadStaticKeyPair loads a certificate/key pair from disk and registers it
// under sni as a static entry.
func (p *Provider) LoadStaticKeyPair(sni, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("certs: load key pair for %q: %w", sni, err)
	}
	p.Set(sni, &cert, SourceStatic)
	return nil
}
