// Package geo provides best-effort IP-to-location lookups used when a
// device registers a new sighting. A lookup failure is never fatal to the
// triggering request; callers degrade to "unknown".
package geo

import (
	"context"
	"net"
)

// Lookup resolves an IP address to a coarse location label. Implementations
// must be safe to call with no network access available; errors are always
// treated as non-fatal by callers.
type Lookup interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// NullLookup is the default Lookup: it classifies private/loopback
// addresses locally and reports everything else as unknown. It never
// returns an error, since "unknown" is itself a valid, non-fatal result.
type NullLookup struct{}

// Locate implements Lookup.
func (NullLookup) Locate(ctx context.Context, ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "unknown", nil
	}
	if addr.IsLoopback() {
		return "local", nil
	}
	if isPrivate(addr) {
		return "private network", nil
	}
	return "unknown", nil
}

func isPrivate(ip net.IP) bool {
	for _, cidr := range []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"fc00::/7", "fe80::/10",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
