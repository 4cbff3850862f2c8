package sip

import (
	"net/netip"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestContactCustomiserAppliesTo(t *testing.T) {
	c := NewContactCustomiser("sip.example.com", "203.0.113.1", "2001:db8::1")

	if !c.AppliesTo(sip.INVITE) {
		t.Error("expected AppliesTo(INVITE) to be true")
	}
	if !c.AppliesTo(sip.OPTIONS) {
		t.Error("expected AppliesTo(OPTIONS) to be true")
	}
	if c.AppliesTo(sip.REGISTER) {
		t.Error("expected AppliesTo(REGISTER) to be false")
	}
	if c.AppliesTo(sip.BYE) {
		t.Error("expected AppliesTo(BYE) to be false")
	}
}

func TestContactCustomiserRewriteIPv4(t *testing.T) {
	c := NewContactCustomiser("sip.example.com", "203.0.113.1", "2001:db8::1")
	contact := &sip.ContactHeader{Address: sip.Uri{Host: "10.0.0.5", Port: 5060}}

	destIP := netip.MustParseAddr("198.51.100.2")
	c.Rewrite(contact, destIP, nil)

	if contact.Address.Host != "203.0.113.1" {
		t.Errorf("Host = %q, want 203.0.113.1", contact.Address.Host)
	}
	if contact.Address.Port != 5060 {
		t.Errorf("Port = %d, want the URI's own 5060 preserved", contact.Address.Port)
	}
}

func TestContactCustomiserRewriteIPv6(t *testing.T) {
	c := NewContactCustomiser("sip.example.com", "203.0.113.1", "2001:db8::1")
	contact := &sip.ContactHeader{Address: sip.Uri{Host: "10.0.0.5", Port: 5060}}

	destIP := netip.MustParseAddr("2001:db8:1::1")
	c.Rewrite(contact, destIP, nil)

	if contact.Address.Host != "[2001:db8::1]" {
		t.Errorf("Host = %q, want [2001:db8::1]", contact.Address.Host)
	}
}

func TestContactCustomiserRewriteTLSPrefersHostname(t *testing.T) {
	c := NewContactCustomiser("sip.example.com", "203.0.113.1", "")
	contact := &sip.ContactHeader{Address: sip.Uri{Host: "10.0.0.5", Port: 5061, Scheme: "sips"}}

	destIP := netip.MustParseAddr("198.51.100.2")
	c.Rewrite(contact, destIP, nil)

	if contact.Address.Host != "sip.example.com" {
		t.Errorf("Host = %q, want sip.example.com for a TLS contact", contact.Address.Host)
	}
}

func TestContactCustomiserRewriteKeepsDefaultPortUnset(t *testing.T) {
	c := NewContactCustomiser("sip.example.com", "203.0.113.1", "")
	contact := &sip.ContactHeader{Address: sip.Uri{Host: "10.0.0.5"}}

	destIP := netip.MustParseAddr("198.51.100.2")
	c.Rewrite(contact, destIP, nil)

	if contact.Address.Port != 0 {
		t.Errorf("Port = %d, want 0 when the URI carries the default-port marker", contact.Address.Port)
	}
}

func TestContactCustomiserRewriteSkipsPrivateDestination(t *testing.T) {
	c := NewContactCustomiser("sip.example.com", "203.0.113.1", "")
	contact := &sip.ContactHeader{Address: sip.Uri{Host: "10.0.0.5", Port: 5060}}

	destIP := netip.MustParseAddr("10.0.0.9")
	isPrivate := func(a netip.Addr) bool { return a.IsPrivate() }
	c.Rewrite(contact, destIP, isPrivate)

	if contact.Address.Host != "10.0.0.5" {
		t.Errorf("Host = %q, want unchanged 10.0.0.5 for a private destination", contact.Address.Host)
	}
}
