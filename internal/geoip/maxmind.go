package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MaxMindLookup resolves countries from a MaxMind GeoLite2/GeoIP2 country
// database.
type MaxMindLookup struct {
	reader *maxminddb.Reader
}

// OpenMaxMindLookup memory-maps the database at path.
func OpenMaxMindLookup(path string) (*MaxMindLookup, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database %s: %w", path, err)
	}
	return &MaxMindLookup{reader: reader}, nil
}

// LookupCountry returns the ISO alpha-2 country code for addr, or
// ok=false if the address is not present in the database.
func (m *MaxMindLookup) LookupCountry(addr net.IP) (string, bool) {
	var record countryRecord
	if err := m.reader.Lookup(addr, &record); err != nil {
		return "", false
	}
	if record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}

// Close releases the underlying memory-mapped database.
func (m *MaxMindLookup) Close() error {
	return m.reader.Close()
}
