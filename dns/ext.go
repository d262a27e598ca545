package dns

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// extResolver performs queries against an explicitly chosen DNS server
// instead of the system stub resolver. Used when the embedder wants a
// well-known public resolver or DNS-over-TLS.
type extResolver struct {
	cl   *dns.Client
	serv string
}

// Protocol values accepted by Specific.
const (
	ProtoUDP = "udp"
	ProtoTCP = "tcp"
	ProtoTLS = "tls"
)

// Specific returns a Resolver that sends all queries to the server at
// addr ("IP:port") using the given protocol (ProtoUDP, ProtoTCP or
// ProtoTLS). For ProtoTLS, tlsDNSName is the name the server
// certificate is verified against.
func Specific(addr, protocol, tlsDNSName string) (Resolver, error) {
	cl := &dns.Client{Timeout: 5 * time.Second}
	switch protocol {
	case ProtoUDP:
		cl.Net = "udp"
	case ProtoTCP:
		cl.Net = "tcp"
	case ProtoTLS:
		cl.Net = "tcp-tls"
		cl.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: tlsDNSName,
		}
	default:
		return nil, fmt.Errorf("dns: unknown protocol: %v", protocol)
	}
	return extResolver{cl: cl, serv: addr}, nil
}

// Google returns a Resolver using Google Public DNS.
func Google() Resolver {
	r, _ := Specific("8.8.8.8:53", ProtoUDP, "")
	return r
}

// Cloudflare returns a Resolver using Cloudflare DNS.
func Cloudflare() Resolver {
	r, _ := Specific("1.1.1.1:53", ProtoUDP, "")
	return r
}

// Quad9 returns a Resolver using Quad9 DNS.
func Quad9() Resolver {
	r, _ := Specific("9.9.9.9:53", ProtoUDP, "")
	return r
}

func (e extResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := e.cl.ExchangeContext(ctx, msg, e.serv)
	if err != nil {
		return nil, err
	}
	if resp.Truncated && e.cl.Net == "udp" {
		// Retry over TCP to get the full answer.
		cl := *e.cl
		cl.Net = "tcp"
		resp, _, err = cl.ExchangeContext(ctx, msg, e.serv)
		if err != nil {
			return nil, err
		}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        "lookup failed: " + dns.RcodeToString[resp.Rcode],
			Name:       msg.Question[0].Name,
			Server:     e.serv,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}
	return resp, nil
}

func (e extResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	out := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		out = append(out, &net.MX{Host: mxRR.Mx, Pref: mxRR.Preference})
	}
	return out, nil
}

func (e extResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	var addrs []string
	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.SetEdns0(4096, false)

		resp, err := e.exchange(ctx, msg)
		if err != nil {
			if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
				continue
			}
			return nil, err
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				addrs = append(addrs, a.A.String())
			case *dns.AAAA:
				addrs = append(addrs, a.AAAA.String())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{
			Err:        "no addresses",
			Name:       host,
			Server:     e.serv,
			IsNotFound: true,
		}
	}
	return addrs, nil
}
