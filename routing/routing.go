// Package routing implements the client's first-match routing engine:
// domain (exact/wildcard), CIDR, and GeoIP rules compiled once from config
// and evaluated per connection.
package routing

import (
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xrproxy/xr-proxy/config"
)

// Action is a routing decision for a connection.
type Action int

const (
	// Direct means dial the target from the client host itself.
	Direct Action = iota
	// Proxy means tunnel the connection through xr-server.
	Proxy
)

// ParseAction maps a config string to an Action; anything other than
// "proxy" is Direct, matching the original's permissive default.
func ParseAction(s string) Action {
	if s == "proxy" {
		return Proxy
	}
	return Direct
}

func (a Action) String() string {
	if a == Proxy {
		return "proxy"
	}
	return "direct"
}

// GeoIPReader resolves an IP to an ISO country code. Implementations wrap a
// MaxMind-format database; see geoip.go for the geoip2-golang-backed one.
type GeoIPReader interface {
	Country(ip netip.Addr) (isoCode string, ok bool)
}

// cidrRange is a parsed, pre-masked CIDR for O(1) containment checks.
type cidrRange struct {
	prefix netip.Prefix
}

func parseCIDR(s string) (cidrRange, bool) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return cidrRange{}, false
	}
	return cidrRange{prefix: p.Masked()}, true
}

func (c cidrRange) contains(ip netip.Addr) bool {
	return c.prefix.Contains(ip)
}

// compiledRule is one routing rule pre-split into its matcher kinds for
// fast per-connection evaluation.
type compiledRule struct {
	action          Action
	exactDomains    []string
	wildcardSuffixes []string // ".google.com" from config's "*.google.com"
	ipRanges        []cidrRange
	geoipCodes      []string
}

func compileRule(r config.RoutingRule) compiledRule {
	cr := compiledRule{action: ParseAction(r.Action)}

	for _, d := range r.Domains {
		d = strings.ToLower(d)
		if suffix, ok := strings.CutPrefix(d, "*"); ok {
			cr.wildcardSuffixes = append(cr.wildcardSuffixes, suffix)
		} else {
			cr.exactDomains = append(cr.exactDomains, d)
		}
	}

	for _, s := range r.IPRanges {
		if c, ok := parseCIDR(s); ok {
			cr.ipRanges = append(cr.ipRanges, c)
		} else {
			log.Warn().Str("cidr", s).Msg("routing: invalid CIDR range in config, skipping")
		}
	}

	for _, g := range r.GeoIP {
		cr.geoipCodes = append(cr.geoipCodes, strings.ToUpper(g))
	}

	return cr
}

// Router is the compiled routing table, built once from config and shared
// read-only across every connection handler goroutine.
type Router struct {
	rules         []compiledRule
	defaultAction Action
	geoip         GeoIPReader
}

// New compiles cfg's rules into a Router. geoip may be nil when no GeoIP
// database is configured; GeoIP rules then never match.
func New(cfg config.RoutingConfig, geoip GeoIPReader) *Router {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, compileRule(r))
	}
	return &Router{
		rules:         rules,
		defaultAction: ParseAction(cfg.DefaultAction),
		geoip:         geoip,
	}
}

// Resolve decides Proxy or Direct for a connection. sni is the TLS SNI
// hostname if one was sniffed, or "" otherwise; destIP is the connection's
// original destination address. The first rule that matches on any of its
// domain, CIDR, or GeoIP matchers wins; no match falls through to the
// router's default action.
func (r *Router) Resolve(sni string, destIP netip.Addr) Action {
	for _, rule := range r.rules {
		if r.matches(rule, sni, destIP) {
			return rule.action
		}
	}
	return r.defaultAction
}

func (r *Router) matches(rule compiledRule, sni string, destIP netip.Addr) bool {
	if sni != "" {
		host := strings.ToLower(sni)

		for _, exact := range rule.exactDomains {
			if host == exact {
				return true
			}
		}
		for _, suffix := range rule.wildcardSuffixes {
			// "*.google.com" (suffix ".google.com") matches both
			// "mail.google.com" and bare "google.com".
			if strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
				return true
			}
		}
	}

	for _, cidr := range rule.ipRanges {
		if cidr.contains(destIP) {
			return true
		}
	}

	if len(rule.geoipCodes) > 0 && r.geoip != nil {
		if country, ok := r.geoip.Country(destIP); ok {
			for _, code := range rule.geoipCodes {
				if strings.EqualFold(country, code) {
					return true
				}
			}
		}
	}

	return false
}
