package geoip

import "net"

// noopLookup always reports no match; used to verify Lookup is satisfied
// by a minimal implementation without requiring a real MaxMind database
// file in tests.
type noopLookup struct{}

func (noopLookup) LookupCountry(addr net.IP) (string, bool) { return "", false }

var _ Lookup = noopLookup{}
var _ Lookup = (*MaxMindLookup)(nil)
