package client

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// TunnelConfig holds the configuration for a single tunnel.
type TunnelConfig struct {
	// Protocol specifies the tunnel protocol (tcp, tls, http, https).
	Protocol Protocol

	// Upstream is the local address to forward traffic to, e.g.
	// "http://localhost:8080" or "localhost:8080".
	Upstream string

	// Port is the specific public port to request (TCP/TLS only). 0 means
	// auto-assign.
	Port uint16

	// Subdomain is the requested subdomain (HTTP/HTTPS only). Empty means
	// auto-assign.
	Subdomain string

	// SNIPattern is the server name pattern to route on (TLS only), e.g.
	// "api.example.com" or "*.example.com".
	SNIPattern string

	// URL is a full public URL to request, as given to WithURL. The tunnel
	// does not read it; WithURL derives Protocol and Subdomain from it when
	// the option is applied, and later options may override them.
	URL string

	// LocalHTTPS indicates the local upstream itself speaks HTTPS.
	LocalHTTPS bool

	// IPAllowlist restricts which source networks may reach this tunnel.
	IPAllowlist []string

	// Metadata contains optional key-value pairs for this tunnel.
	Metadata map[string]string
}

// TunnelOption configures a TunnelConfig.
type TunnelOption func(*TunnelConfig)

// WithUpstream sets the upstream address to forward traffic to.
func WithUpstream(addr string) TunnelOption {
	return func(c *TunnelConfig) {
		c.Upstream = addr
		if strings.HasPrefix(addr, "https://") {
			c.LocalHTTPS = true
		}
	}
}

// WithProtocol sets the tunnel protocol.
func WithProtocol(protocol Protocol) TunnelOption {
	return func(c *TunnelConfig) {
		c.Protocol = protocol
	}
}

// WithPort sets the specific public port to request (TCP/TLS only).
func WithPort(port uint16) TunnelOption {
	return func(c *TunnelConfig) {
		c.Port = port
	}
}

// WithSubdomain sets the subdomain to request (HTTP/HTTPS only).
func WithSubdomain(subdomain string) TunnelOption {
	return func(c *TunnelConfig) {
		c.Subdomain = subdomain
	}
}

// WithSNIPattern sets the server name pattern to route on (TLS only).
func WithSNIPattern(pattern string) TunnelOption {
	return func(c *TunnelConfig) {
		c.SNIPattern = pattern
	}
}

// WithURL sets a full public URL, deriving protocol and subdomain from it.
func WithURL(urlStr string) TunnelOption {
	return func(c *TunnelConfig) {
		c.URL = urlStr

		if u, err := url.Parse(urlStr); err == nil {
			switch u.Scheme {
			case "http":
				c.Protocol = ProtocolHTTP
			case "https":
				c.Protocol = ProtocolHTTPS
			case "tcp":
				c.Protocol = ProtocolTCP
			case "tls":
				c.Protocol = ProtocolTLS
			}

			parts := strings.Split(u.Hostname(), ".")
			if len(parts) > 2 {
				c.Subdomain = parts[0]
			}
		}
	}
}

// WithLocalHTTPS indicates the local upstream speaks HTTPS.
func WithLocalHTTPS(enabled bool) TunnelOption {
	return func(c *TunnelConfig) {
		c.LocalHTTPS = enabled
	}
}

// WithIPAllowlist restricts inbound traffic to the given CIDRs/addresses.
func WithIPAllowlist(cidrs []string) TunnelOption {
	return func(c *TunnelConfig) {
		c.IPAllowlist = cidrs
	}
}

// WithTunnelMetadata sets metadata for this specific tunnel.
func WithTunnelMetadata(metadata map[string]string) TunnelOption {
	return func(c *TunnelConfig) {
		c.Metadata = metadata
	}
}

// Validate checks that the tunnel configuration is well-formed.
func (c *TunnelConfig) Validate() error {
	switch c.Protocol {
	case ProtocolTLS:
		if c.SNIPattern == "" {
			return errors.New("client: tls tunnels require an SNI pattern: use WithSNIPattern")
		}
	case ProtocolTCP, ProtocolHTTP, ProtocolHTTPS:
	case "":
		return errors.New("client: protocol is required")
	default:
		return errors.New("client: unknown protocol: " + string(c.Protocol))
	}
	return nil
}

// LocalHost returns the host portion of the upstream address.
func (c *TunnelConfig) LocalHost() string {
	if c.Upstream == "" {
		return "localhost"
	}

	upstream := c.Upstream
	if !strings.Contains(upstream, "://") {
		upstream = "http://" + upstream
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return "localhost"
	}

	host := u.Hostname()
	if host == "" {
		return "localhost"
	}
	return host
}

// LocalPort returns the port portion of the upstream address.
func (c *TunnelConfig) LocalPort() uint16 {
	if c.Upstream == "" {
		return 0
	}

	upstream := c.Upstream
	if !strings.Contains(upstream, "://") {
		upstream = "http://" + upstream
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return 0
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			return 443
		}
		return 80
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}
