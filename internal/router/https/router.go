// Package https implements the relay's HTTPS protocol router. It terminates
// TLS using per-SNI certificates from the certs provider and then delegates
// request handling to the plain-HTTP router logic.
package https

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/localup-dev/localup/internal/certs"
	httprouter "github.com/localup-dev/localup/internal/router/http"
)

// Router listens on the relay's HTTPS ingress port, terminates TLS, and
// hands each accepted connection to an embedded HTTP router.
type Router struct {
	http  *httprouter.Router
	certs *certs.Provider

	mu sync.Mutex
	ln net.Listener
}

// New creates an HTTPS router. http is the request-handling router to
// delegate to once a connection's TLS handshake completes.
func New(http *httprouter.Router, certProvider *certs.Provider) *Router {
	return &Router{http: http, certs: certProvider}
}

// Start binds addr and begins accepting TLS connections.
func (r *Router) Start(ctx context.Context, addr string) error {
	r.mu.Lock()
	if r.ln != nil {
		r.mu.Unlock()
		return nil
	}

	tlsCfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := r.certs.GetCertificate(hello)
			if errors.Is(err, certs.ErrUnrecognizedName) {
				// With no Config.Certificates set, crypto/tls answers a nil
				// certificate with the unrecognized_name alert.
				return nil, nil
			}
			return cert, err
		},
		NextProtos: []string{"h2", "http/1.1"},
	}

	inner, err := net.Listen("tcp", addr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("router/https: listen on %s: %w", addr, err)
	}
	ln := tls.NewListener(inner, tlsCfg)
	r.ln = ln
	r.mu.Unlock()

	go r.serve(ctx, ln)
	return nil
}

// Stop closes the bound listener.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	err := r.ln.Close()
	r.ln = nil
	return err
}

func (r *Router) serve(ctx context.Context, ln net.Listener) {
	logger := slog.Default()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("router/https: accept failed", "error", err)
			return
		}
		go r.http.HandleConn(ctx, conn)
	}
}
