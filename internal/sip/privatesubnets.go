package sip

import "net/netip"

// PrivateSubnetMatcher builds the isPrivateSubnet predicate used by both
// the Contact Customiser and the Abuse Filter to exempt configured CIDRs.
type PrivateSubnetMatcher struct {
	prefixes []netip.Prefix
}

// NewPrivateSubnetMatcher parses the configured CIDR list. Invalid entries
// are skipped; Config.validate already rejects them at load time.
func NewPrivateSubnetMatcher(cidrs []string) *PrivateSubnetMatcher {
	m := &PrivateSubnetMatcher{}
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			m.prefixes = append(m.prefixes, p)
		}
	}
	return m
}

// Contains reports whether addr falls within any configured private
// subnet, or within the standard loopback, private or link-local unicast
// ranges regardless of configuration.
func (m *PrivateSubnetMatcher) Contains(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range m.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
