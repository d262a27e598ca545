package dns

import (
	"context"
	"sort"
	"strings"
)

// ResolveMX returns the MX exchange hostnames for domain, in the order
// delivery should try them.
//
// If the MX lookup fails or returns no records, the domain itself is
// returned as the only entry (RFC 5321 implicit MX). Otherwise records
// are sorted by preference, ascending, with ties keeping the response
// order; exchanges whose name looks like an IP address literal are
// moved to the end without disturbing the relative order of the rest.
// Trailing root dots are stripped.
//
// A non-nil empty slice is returned when MX records exist but no
// exchange is usable (e.g. a RFC 7505 null MX).
func ResolveMX(ctx context.Context, r Resolver, domain string) []string {
	records, err := r.LookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		return []string{domain}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	var ipLiterals []string
	for _, record := range records {
		host := strings.TrimSuffix(record.Host, ".")
		if host == "" {
			// Null MX ("." exchange), the domain accepts no mail.
			continue
		}
		if looksLikeIPLiteral(host) {
			ipLiterals = append(ipLiterals, host)
			continue
		}
		hosts = append(hosts, host)
	}
	return append(hosts, ipLiterals...)
}

// looksLikeIPLiteral reports whether the exchange name is in an IP
// address form rather than a hostname: bracketed ("[192.0.2.1]") or
// ending in an ASCII digit.
func looksLikeIPLiteral(host string) bool {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return true
	}
	last := host[len(host)-1]
	return last >= '0' && last <= '9'
}
