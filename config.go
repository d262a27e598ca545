package mailout

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/foxcpp/mailout/dns"
	"github.com/foxcpp/mailout/log"
)

// Config describes how the engine delivers mail. Exactly one of Relay
// and Remote must be set.
type Config struct {
	// HeloName is the hostname sent in EHLO and used in generated
	// Message-IDs. Defaults to "localhost".
	HeloName string `toml:"helo_name"`

	// SMTPTimeoutSecs bounds dialing and each SMTP command. Defaults
	// to 60.
	SMTPTimeoutSecs uint32 `toml:"smtp_timeout_secs"`

	// BaseResendDelaySecs is the delay before the first retry; each
	// following retry waits three times longer. Defaults to 60.
	BaseResendDelaySecs uint32 `toml:"base_resend_delay_secs"`

	// RequireTLS fails direct deliveries to servers that do not offer
	// STARTTLS instead of proceeding in plaintext.
	RequireTLS bool `toml:"require_tls"`

	Relay  *RelayConfig  `toml:"relay"`
	Remote *RemoteConfig `toml:"remote"`

	// Logger receives the engine's log output. Zero value discards
	// everything. Not read from TOML.
	Logger log.Logger `toml:"-"`

	// TLSClientConfig is the base TLS configuration for STARTTLS
	// sessions. Not read from TOML.
	TLSClientConfig *tls.Config `toml:"-"`

	// DialContext overrides how SMTP connections are established.
	// Meant for tests. Not read from TOML.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error) `toml:"-"`
}

// RelayConfig routes all mail through a single smarthost.
type RelayConfig struct {
	// DomainName is the relay hostname.
	DomainName string `toml:"domain_name"`

	// Port defaults to 25.
	Port uint16 `toml:"port"`

	// UseTLS requires the session to be upgraded via STARTTLS. When
	// false the session stays plaintext.
	UseTLS bool `toml:"use_tls"`

	Auth *SMTPAuth `toml:"auth"`
}

// SMTPAuth holds relay credentials.
type SMTPAuth struct {
	// Mechanism is "plain" (default) or "login".
	Mechanism string `toml:"mechanism"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// RemoteConfig delivers directly to each recipient domain's MX
// servers.
type RemoteConfig struct {
	Resolver ResolverConfig `toml:"resolver"`

	// Port overrides the destination port for every delivery. Zero
	// means 25. Meant for tests.
	Port uint16 `toml:"port"`
}

// ResolverConfig selects the DNS setup used for MX discovery.
type ResolverConfig struct {
	// Kind is one of "system" (default), "google", "cloudflare",
	// "quad9" or "specific".
	Kind string `toml:"kind"`

	// Addr is the "IP:port" of the server for Kind "specific".
	Addr string `toml:"addr"`

	// Protocol is "udp" (default), "tcp" or "tls".
	Protocol string `toml:"protocol"`

	// TLSDNSName is the name the server certificate is verified
	// against for Protocol "tls".
	TLSDNSName string `toml:"tls_dns_name"`
}

func (c *Config) fillDefaults() {
	if c.HeloName == "" {
		c.HeloName = "localhost"
	}
	if c.SMTPTimeoutSecs == 0 {
		c.SMTPTimeoutSecs = 60
	}
	if c.BaseResendDelaySecs == 0 {
		c.BaseResendDelaySecs = 60
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Relay == nil && c.Remote == nil {
		return errors.New("mailout: either relay or remote delivery must be configured")
	}
	if c.Relay != nil && c.Remote != nil {
		return errors.New("mailout: relay and remote delivery are mutually exclusive")
	}
	if c.Relay != nil && c.Relay.DomainName == "" {
		return errors.New("mailout: relay domain_name is required")
	}
	if c.Relay != nil && c.Relay.Auth != nil {
		switch c.Relay.Auth.Mechanism {
		case "", "plain", "login":
		default:
			return fmt.Errorf("mailout: unknown auth mechanism: %v", c.Relay.Auth.Mechanism)
		}
	}
	if c.Remote != nil {
		switch c.Remote.Resolver.Kind {
		case "", "system", "google", "cloudflare", "quad9":
		case "specific":
			if c.Remote.Resolver.Addr == "" {
				return errors.New("mailout: resolver addr is required for kind \"specific\"")
			}
		default:
			return fmt.Errorf("mailout: unknown resolver kind: %v", c.Remote.Resolver.Kind)
		}
	}
	return nil
}

func (c *ResolverConfig) build() (dns.Resolver, error) {
	switch c.Kind {
	case "", "system":
		return dns.DefaultResolver(), nil
	case "google":
		return dns.Google(), nil
	case "cloudflare":
		return dns.Cloudflare(), nil
	case "quad9":
		return dns.Quad9(), nil
	case "specific":
		protocol := c.Protocol
		if protocol == "" {
			protocol = dns.ProtoUDP
		}
		return dns.Specific(c.Addr, protocol, c.TLSDNSName)
	}
	return nil, fmt.Errorf("mailout: unknown resolver kind: %v", c.Kind)
}

// LoadConfig reads a Config from the TOML file at path.
func LoadConfig(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mailout: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(blob, cfg); err != nil {
		return nil, fmt.Errorf("mailout: cannot parse %v: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
