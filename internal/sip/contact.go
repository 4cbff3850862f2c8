package sip

import (
	"net/netip"

	"github.com/emiago/sipgo/sip"
)

// ContactCustomiser rewrites the Contact header of outgoing INVITE/OPTIONS
// requests and responses so that devices behind this server's NAT or load
// balancer see a reachable address.
type ContactCustomiser struct {
	hostname string
	v4       string
	v6       string
}

// NewContactCustomiser creates a customiser from the configured public
// hostname/v4/v6. Any of the three may be empty, in which case the
// corresponding precedence rule is skipped.
func NewContactCustomiser(hostname, v4, v6 string) *ContactCustomiser {
	return &ContactCustomiser{hostname: hostname, v4: v4, v6: v6}
}

// rewriteMethods is the set of CSeq methods the Contact Customiser applies
// to; in-dialog requests and everything else pass through untouched.
var rewriteMethods = map[sip.RequestMethod]bool{
	sip.INVITE:  true,
	sip.OPTIONS: true,
}

// AppliesTo reports whether a message with the given CSeq method is subject
// to Contact rewriting.
func (c *ContactCustomiser) AppliesTo(method sip.RequestMethod) bool {
	return rewriteMethods[method]
}

// Rewrite mutates contact's address host in place according to the
// precedence rules below. The URI's own port is preserved unless it is 0 —
// the default-port marker, meaning "let transport decide" — in which case
// the rewrite leaves the port unset. destIP is the IP the message is being
// sent to, used only to pick the address family; isPrivate exempts private
// destinations — no rewrite is applied to them.
func (c *ContactCustomiser) Rewrite(contact *sip.ContactHeader, destIP netip.Addr, isPrivate func(netip.Addr) bool) {
	if contact == nil {
		return
	}
	if isPrivate != nil && isPrivate(destIP) {
		return
	}

	host, ok := c.resolveHost(contact.Address.IsEncrypted(), destIP)
	if !ok {
		return
	}
	contact.Address.Host = host
}

// resolveHost implements the four-step host precedence.
func (c *ContactCustomiser) resolveHost(tlsScheme bool, destIP netip.Addr) (string, bool) {
	if tlsScheme && c.hostname != "" {
		return c.hostname, true
	}
	if isV4(destIP) && c.v4 != "" {
		return c.v4, true
	}
	if destIP.Is6() && !destIP.Is4In6() && c.v6 != "" {
		return "[" + c.v6 + "]", true
	}
	if c.hostname != "" {
		return c.hostname, true
	}
	return "", false
}

func isV4(addr netip.Addr) bool {
	return addr.Is4() || addr.Is4In6()
}
