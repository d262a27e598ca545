// Package dns defines the resolver interface used for MX discovery and
// provides resolver setups backed by the system configuration or by an
// explicitly chosen DNS server.
package dns

import (
	"context"
	"net"
)

// Resolver is the interface used for DNS lookups.
//
// It is implemented by net.DefaultResolver and by the extResolver
// returned from Specific and the preset constructors. Methods behave
// the same way as their net.Resolver counterparts.
//
// github.com/foxcpp/go-mockdns provides a test implementation.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// DefaultResolver returns the resolver configured by the operating
// system (resolv.conf or equivalent).
func DefaultResolver() Resolver {
	return net.DefaultResolver
}
