package routing

import (
	"net/netip"
	"testing"

	"github.com/xrproxy/xr-proxy/config"
)

func makeConfig() config.RoutingConfig {
	return config.RoutingConfig{
		DefaultAction: "direct",
		Rules: []config.RoutingRule{
			{
				Action:  "proxy",
				Domains: []string{"youtube.com", "*.youtube.com", "*.google.com"},
			},
			{
				Action:  "direct",
				Domains: []string{"*.local"},
			},
		},
	}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestExactMatch(t *testing.T) {
	r := New(makeConfig(), nil)
	ip := mustAddr(t, "93.184.216.34")
	if got := r.Resolve("youtube.com", ip); got != Proxy {
		t.Fatalf("Resolve() = %v, want Proxy", got)
	}
}

func TestWildcardMatch(t *testing.T) {
	r := New(makeConfig(), nil)
	ip := mustAddr(t, "1.2.3.4")
	if got := r.Resolve("mail.google.com", ip); got != Proxy {
		t.Fatalf("Resolve(mail.google.com) = %v, want Proxy", got)
	}
	if got := r.Resolve("www.youtube.com", ip); got != Proxy {
		t.Fatalf("Resolve(www.youtube.com) = %v, want Proxy", got)
	}
}

func TestWildcardAlsoMatchesBase(t *testing.T) {
	r := New(makeConfig(), nil)
	ip := mustAddr(t, "1.2.3.4")
	if got := r.Resolve("google.com", ip); got != Proxy {
		t.Fatalf("Resolve(google.com) = %v, want Proxy", got)
	}
}

func TestNoMatchUsesDefault(t *testing.T) {
	r := New(makeConfig(), nil)
	ip := mustAddr(t, "1.2.3.4")
	if got := r.Resolve("example.com", ip); got != Direct {
		t.Fatalf("Resolve(example.com) = %v, want Direct", got)
	}
}

func TestNoSNIUsesDefault(t *testing.T) {
	r := New(makeConfig(), nil)
	ip := mustAddr(t, "1.2.3.4")
	if got := r.Resolve("", ip); got != Direct {
		t.Fatalf("Resolve(\"\") = %v, want Direct", got)
	}
}

func TestCIDRv4Match(t *testing.T) {
	cfg := config.RoutingConfig{
		DefaultAction: "direct",
		Rules: []config.RoutingRule{{
			Action:   "proxy",
			IPRanges: []string{"91.108.56.0/22", "149.154.160.0/20"},
		}},
	}
	r := New(cfg, nil)
	if got := r.Resolve("", mustAddr(t, "91.108.57.3")); got != Proxy {
		t.Fatalf("Resolve(91.108.57.3) = %v, want Proxy", got)
	}
	if got := r.Resolve("", mustAddr(t, "149.154.167.50")); got != Proxy {
		t.Fatalf("Resolve(149.154.167.50) = %v, want Proxy", got)
	}
	if got := r.Resolve("", mustAddr(t, "8.8.8.8")); got != Direct {
		t.Fatalf("Resolve(8.8.8.8) = %v, want Direct", got)
	}
}

func TestCIDRv6Match(t *testing.T) {
	cfg := config.RoutingConfig{
		DefaultAction: "direct",
		Rules: []config.RoutingRule{{
			Action:   "proxy",
			IPRanges: []string{"2001:b28:f23d::/48"},
		}},
	}
	r := New(cfg, nil)
	if got := r.Resolve("", mustAddr(t, "2001:b28:f23d::1")); got != Proxy {
		t.Fatalf("Resolve(2001:b28:f23d::1) = %v, want Proxy", got)
	}
	if got := r.Resolve("", mustAddr(t, "2001:b28:f23e::1")); got != Direct {
		t.Fatalf("Resolve(2001:b28:f23e::1) = %v, want Direct", got)
	}
}

func TestCIDRAndDomainCombined(t *testing.T) {
	cfg := config.RoutingConfig{
		DefaultAction: "direct",
		Rules: []config.RoutingRule{{
			Action:   "proxy",
			Domains:  []string{"*.telegram.org"},
			IPRanges: []string{"91.108.56.0/22"},
		}},
	}
	r := New(cfg, nil)
	if got := r.Resolve("web.telegram.org", mustAddr(t, "1.2.3.4")); got != Proxy {
		t.Fatalf("Resolve by domain = %v, want Proxy", got)
	}
	if got := r.Resolve("", mustAddr(t, "91.108.56.1")); got != Proxy {
		t.Fatalf("Resolve by IP = %v, want Proxy", got)
	}
	if got := r.Resolve("example.com", mustAddr(t, "8.8.8.8")); got != Direct {
		t.Fatalf("Resolve neither = %v, want Direct", got)
	}
}

func TestInvalidCIDRSkippedSilently(t *testing.T) {
	cfg := config.RoutingConfig{
		DefaultAction: "direct",
		Rules: []config.RoutingRule{{
			Action:   "proxy",
			IPRanges: []string{"not-a-cidr", "10.0.0.0/8"},
		}},
	}
	r := New(cfg, nil)
	if got := r.Resolve("", mustAddr(t, "10.1.2.3")); got != Proxy {
		t.Fatalf("valid CIDR after invalid one should still match, got %v", got)
	}
}

type fakeGeoIP map[string]string

func (f fakeGeoIP) Country(ip netip.Addr) (string, bool) {
	code, ok := f[ip.String()]
	return code, ok
}

func TestGeoIPMatch(t *testing.T) {
	cfg := config.RoutingConfig{
		DefaultAction: "direct",
		Rules: []config.RoutingRule{{
			Action: "proxy",
			GeoIP:  []string{"ru"},
		}},
	}
	geo := fakeGeoIP{"5.6.7.8": "RU"}
	r := New(cfg, geo)
	if got := r.Resolve("", mustAddr(t, "5.6.7.8")); got != Proxy {
		t.Fatalf("Resolve with matching GeoIP = %v, want Proxy", got)
	}
	if got := r.Resolve("", mustAddr(t, "9.9.9.9")); got != Direct {
		t.Fatalf("Resolve with no GeoIP record = %v, want Direct", got)
	}
}
