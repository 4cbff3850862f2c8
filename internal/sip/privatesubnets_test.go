package sip

import (
	"net/netip"
	"testing"
)

func TestPrivateSubnetMatcherBuiltinRanges(t *testing.T) {
	m := NewPrivateSubnetMatcher(nil)

	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"203.0.113.5", false},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		addr := netip.MustParseAddr(c.addr)
		if got := m.Contains(addr); got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestPrivateSubnetMatcherConfiguredCIDR(t *testing.T) {
	m := NewPrivateSubnetMatcher([]string{"203.0.113.0/24"})

	if !m.Contains(netip.MustParseAddr("203.0.113.5")) {
		t.Error("expected 203.0.113.5 to match the configured CIDR")
	}
	if m.Contains(netip.MustParseAddr("198.51.100.5")) {
		t.Error("expected 198.51.100.5 to not match any configured or builtin range")
	}
}

func TestPrivateSubnetMatcherIgnoresInvalidCIDR(t *testing.T) {
	m := NewPrivateSubnetMatcher([]string{"not-a-cidr"})
	if len(m.prefixes) != 0 {
		t.Errorf("expected invalid CIDR entries to be skipped, got %d prefixes", len(m.prefixes))
	}
}
