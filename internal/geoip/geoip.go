// Package geoip defines the optional GeoIpLookup collaborator interface
// and a MaxMind-DB-backed implementation.
package geoip

import "net"

// Lookup resolves an IP address to an ISO 3166-1 alpha-2 country code.
type Lookup interface {
	LookupCountry(addr net.IP) (string, bool)
}
