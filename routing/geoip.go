package routing

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// MaxMindGeoIP adapts a geoip2-golang country database to GeoIPReader.
type MaxMindGeoIP struct {
	reader *geoip2.Reader
}

// OpenGeoIP loads a MaxMind GeoLite2-Country (or GeoIP2-Country) database
// from path. Callers should treat a load failure as non-fatal: log it and
// run with GeoIP rules disabled, matching the original's "warn and
// continue" behavior.
func OpenGeoIP(path string) (*MaxMindGeoIP, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("database", path).Msg("routing: GeoIP database loaded")
	return &MaxMindGeoIP{reader: reader}, nil
}

// Close releases the underlying mmap'd database file.
func (g *MaxMindGeoIP) Close() error {
	return g.reader.Close()
}

// Country implements GeoIPReader.
func (g *MaxMindGeoIP) Country(ip netip.Addr) (string, bool) {
	record, err := g.reader.Country(net.IP(ip.AsSlice()))
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}
