// Package originfilter decides whether a remote peer address is
// admissible before any WebSocket frame is read from it.
package originfilter

import (
	"net"
	"strings"
)

// Filter accepts loopback peers unconditionally and, when RestrictToTailscale
// is true, CGNAT-range peers (100.64.0.0/10). When RestrictToTailscale is
// false every origin is accepted.
type Filter struct {
	RestrictToTailscale bool
}

func New(restrictToTailscale bool) Filter {
	return Filter{RestrictToTailscale: restrictToTailscale}
}

// Allow reports whether host (an IP string, possibly with an IPv6-mapped
// ::ffff: prefix, and possibly carrying a port) is admitted.
func (f Filter) Allow(host string) bool {
	if !f.RestrictToTailscale {
		return true
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimPrefix(host, "::ffff:")

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}

	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127
}
