// Package enricher normalizes addressing information on events:
// fqdn/url expansion to IPs via DNS, per-IP ASN and country code from
// GeoIP databases, excluded-IP filtering, and bookkeeping of which
// fields the enricher itself computed.
package enricher

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/metrics"
)

// Resolver is the single-lookup DNS dependency.
type Resolver interface {
	// LookupA resolves A records for the host; duplicates are allowed,
	// the enricher dedups.
	LookupA(ctx context.Context, host string) ([]string, error)
}

// NetResolver adapts net.Resolver.
type NetResolver struct {
	R *net.Resolver
}

func (n *NetResolver) LookupA(ctx context.Context, host string) ([]string, error) {
	r := n.R
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out, nil
}

// ASNSource and CitySource are the two GeoIP readers; either may be
// absent (nil), each may fail per-IP.
type ASNSource interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

type CitySource interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Cache is an optional hostname -> resolved-IPs cache (redis-backed in
// production).
type Cache interface {
	Get(ctx context.Context, host string) ([]string, bool)
	Set(ctx context.Context, host string, ips []string)
}

// Enricher mutates records once; after enrichment events are frozen.
type Enricher struct {
	Resolver Resolver
	ASNDB    ASNSource
	CityDB   CitySource
	Cache    Cache

	// Excluded address ranges; matching entries are dropped from the
	// result.
	Excluded []*net.IPNet

	Log zerolog.Logger
}

// ParseExcluded parses a mix of CIDR ranges and bare IPs.
func ParseExcluded(items []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.ContainsRune(item, '/') {
			ip := net.ParseIP(item)
			if ip == nil {
				return nil, fmt.Errorf("enricher: bad excluded ip %q", item)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(item)
		if err != nil {
			return nil, fmt.Errorf("enricher: bad excluded range %q: %w", item, err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// Enrich augments the event in place and attaches the enriched tuple.
func (en *Enricher) Enrich(ctx context.Context, e *event.Event) {
	var topLevel []string
	perIP := make(map[string][]string)
	resolved := make(map[string]bool)

	if len(e.Address) == 0 && !e.DoNotResolveFQDN {
		host, synthesized := en.hostname(e)
		if host != "" {
			if synthesized {
				e.FQDN = host
				topLevel = append(topLevel, "fqdn")
			}
			ips, err := en.lookup(ctx, host)
			if err != nil {
				en.Log.Debug().Err(err).Str("fqdn", host).Msg("dns resolution failed")
				metrics.EnrichmentFailuresTotal.WithLabelValues("dns").Inc()
			}
			for _, ip := range ips {
				resolved[ip] = true
			}
		}
	}

	ips := make([]string, 0, len(e.Address)+len(resolved))
	seen := make(map[string]struct{})
	for _, a := range e.Address {
		// Pre-existing asn/cc are always dropped; only
		// enricher-derived values remain.
		if _, dup := seen[a.IP]; dup || a.IP == "" {
			continue
		}
		seen[a.IP] = struct{}{}
		ips = append(ips, a.IP)
	}
	for ip := range resolved {
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var addrs []event.Address
	for _, ip := range ips {
		if en.isExcluded(ip) {
			continue
		}
		addr := event.Address{IP: ip}
		var fields []string
		if resolved[ip] {
			fields = append(fields, "ip")
		}
		if asn, ok := en.asn(ip); ok {
			addr.ASN = asn
			fields = append(fields, "asn")
		}
		if cc, ok := en.cc(ip); ok {
			addr.CC = cc
			fields = append(fields, "cc")
		}
		if len(fields) > 0 {
			sort.Strings(fields)
			perIP[ip] = fields
		}
		addrs = append(addrs, addr)
	}

	e.Address = addrs
	sort.Strings(topLevel)
	if len(addrs) > 0 || len(topLevel) > 0 || len(perIP) > 0 {
		e.Enriched = &event.Enriched{TopLevel: topLevel, PerIP: perIP}
	} else {
		e.Enriched = &event.Enriched{TopLevel: []string{}, PerIP: map[string][]string{}}
	}
}

// hostname derives the host to resolve: fqdn when present, otherwise
// the url's host (which synthesizes the fqdn field).
func (en *Enricher) hostname(e *event.Event) (host string, synthesized bool) {
	if e.FQDN != "" {
		return e.FQDN, false
	}
	if e.URL == "" {
		return "", false
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", false
	}
	h := u.Hostname()
	if h == "" || net.ParseIP(h) != nil {
		return "", false
	}
	return strings.ToLower(h), true
}

func (en *Enricher) lookup(ctx context.Context, host string) ([]string, error) {
	if en.Cache != nil {
		if ips, ok := en.Cache.Get(ctx, host); ok {
			return ips, nil
		}
	}
	if en.Resolver == nil {
		return nil, nil
	}
	ips, err := en.Resolver.LookupA(ctx, host)
	if err != nil {
		return nil, err
	}
	if en.Cache != nil {
		en.Cache.Set(ctx, host, ips)
	}
	return ips, nil
}

func (en *Enricher) asn(ip string) (int, bool) {
	if en.ASNDB == nil {
		return 0, false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, false
	}
	rec, err := en.ASNDB.ASN(parsed)
	if err != nil || rec == nil || rec.AutonomousSystemNumber == 0 {
		if err != nil {
			en.Log.Warn().Err(err).Str("ip", ip).Msg("asn lookup failed")
			metrics.EnrichmentFailuresTotal.WithLabelValues("asn").Inc()
		}
		return 0, false
	}
	return int(rec.AutonomousSystemNumber), true
}

func (en *Enricher) cc(ip string) (string, bool) {
	if en.CityDB == nil {
		return "", false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	rec, err := en.CityDB.City(parsed)
	if err != nil || rec == nil || rec.Country.IsoCode == "" {
		if err != nil {
			en.Log.Warn().Err(err).Str("ip", ip).Msg("cc lookup failed")
			metrics.EnrichmentFailuresTotal.WithLabelValues("cc").Inc()
		}
		return "", false
	}
	return rec.Country.IsoCode, true
}

func (en *Enricher) isExcluded(ip string) bool {
	if len(en.Excluded) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range en.Excluded {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}
