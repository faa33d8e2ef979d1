// Command localup-relay runs the relay control plane: the QUIC listener
// tunnel clients connect to, plus the public TCP/TLS/HTTP/HTTPS routers.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localup-dev/localup/internal/auth"
	"github.com/localup-dev/localup/internal/control"
	"github.com/localup-dev/localup/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		controlAddr string
		httpAddr    string
		httpsAddr   string
		tlsAddr     string
		domain      string
		certFile    string
		keyFile     string
		tcpPortMin  uint16
		tcpPortMax  uint16
		staticToken string
	)

	cmd := &cobra.Command{
		Use:   "localup-relay",
		Short: "Run the localup relay control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			if certFile == "" || keyFile == "" {
				return fmt.Errorf("--cert and --key are required")
			}
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return fmt.Errorf("load relay certificate: %w", err)
			}

			store := auth.NewStaticTokenStore()
			if staticToken != "" {
				store.Add(&auth.TokenRecord{Token: staticToken, OwnerID: "default"})
			}

			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

			plane, err := control.New(control.Config{
				ControlAddr:        controlAddr,
				TLSConfig:          &tls.Config{Certificates: []tls.Certificate{cert}},
				HTTPAddr:           httpAddr,
				HTTPSAddr:          httpsAddr,
				TLSPassthroughAddr: tlsAddr,
				Domain:             domain,
				Registry: registry.Config{
					Domain:     domain,
					TCPPortMin: tcpPortMin,
					TCPPortMax: tcpPortMax,
				},
				TokenStore: store,
				Logger:     logger,
			})
			if err != nil {
				return fmt.Errorf("build control plane: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- plane.Run(ctx) }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer shutdownCancel()
				plane.Shutdown(shutdownCtx)
				return <-errCh
			case err := <-errCh:
				return err
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&controlAddr, "control-addr", ":4443", "UDP address for the QUIC control listener")
	flags.StringVar(&httpAddr, "http-addr", ":28080", "TCP address for plain HTTP ingress")
	flags.StringVar(&httpsAddr, "https-addr", ":28443", "TCP address for HTTPS ingress")
	flags.StringVar(&tlsAddr, "tls-addr", ":8444", "TCP address for TLS passthrough ingress")
	flags.StringVar(&domain, "domain", "", "base domain for auto-assigned HTTP/HTTPS subdomains")
	flags.StringVar(&certFile, "cert", "", "TLS certificate file for the QUIC control listener")
	flags.StringVar(&keyFile, "key", "", "TLS key file for the QUIC control listener")
	flags.Uint16Var(&tcpPortMin, "tcp-port-min", 10000, "lower bound of the auto-assignable TCP/TLS port range")
	flags.Uint16Var(&tcpPortMax, "tcp-port-max", 20000, "upper bound of the auto-assignable TCP/TLS port range")
	flags.StringVar(&staticToken, "static-token", "", "single auth token to accept, for quick local testing")

	return cmd
}
