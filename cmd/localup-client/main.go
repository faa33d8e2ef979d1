// Command localup-client starts a tunnel from the local machine to a
// LocalUp relay and forwards public traffic to a local upstream.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localup-dev/localup/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		authtoken string
		relayAddr string
		upstream  string
		protocol  string
		port       uint16
		subdomain  string
		sniPattern string
	)

	cmd := &cobra.Command{
		Use:   "localup-client",
		Short: "Expose a local service through a LocalUp relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if authtoken == "" {
				return fmt.Errorf("--authtoken is required")
			}
			if upstream == "" {
				return fmt.Errorf("--upstream is required")
			}

			agent, err := client.NewAgent(
				client.WithAuthtoken(authtoken),
				client.WithRelayAddr(relayAddr),
			)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}
			defer agent.Close()

			opts := []client.TunnelOption{
				client.WithUpstream(upstream),
				client.WithProtocol(client.Protocol(protocol)),
			}
			if port != 0 {
				opts = append(opts, client.WithPort(port))
			}
			if subdomain != "" {
				opts = append(opts, client.WithSubdomain(subdomain))
			}
			if sniPattern != "" {
				opts = append(opts, client.WithSNIPattern(sniPattern))
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			tunnel, err := agent.Forward(ctx, opts...)
			if err != nil {
				return fmt.Errorf("create tunnel: %w", err)
			}

			fmt.Printf("tunnel online: %s -> %s\n", tunnel.URL(), upstream)

			select {
			case <-ctx.Done():
				return tunnel.Close()
			case <-tunnel.Done():
				return nil
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&authtoken, "authtoken", os.Getenv("LOCALUP_AUTHTOKEN"), "auth token presented to the relay")
	flags.StringVar(&relayAddr, "relay-addr", client.DefaultRelayAddr, "relay control address, \"host:port\"")
	flags.StringVar(&upstream, "upstream", "", "local address to forward traffic to, e.g. http://localhost:8080")
	flags.StringVar(&protocol, "protocol", "http", "public protocol: tcp, tls, http, or https")
	flags.Uint16Var(&port, "port", 0, "requested public TCP/TLS port; 0 lets the relay assign one")
	flags.StringVar(&subdomain, "subdomain", "", "requested HTTP/HTTPS subdomain label")
	flags.StringVar(&sniPattern, "sni-pattern", "", "server name pattern for TLS tunnels, e.g. \"*.example.com\"")

	return cmd
}
