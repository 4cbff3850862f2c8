package sip

import (
	"net/netip"
	"testing"
	"time"
)

func TestAbuseFilterBansAfterThreshold(t *testing.T) {
	f := NewAbuseFilter(nil, testLogger())
	source := "203.0.113.10:5060"

	for i := 0; i < regFailureThreshold-1; i++ {
		f.RecordViolation(source, SignalRegisterFailure, "example.com")
		if banned, _ := f.IsBanned(source); banned {
			t.Fatalf("source banned after %d violations, want threshold %d", i+1, regFailureThreshold)
		}
	}

	f.RecordViolation(source, SignalRegisterFailure, "example.com")
	banned, reason := f.IsBanned(source)
	if !banned {
		t.Fatal("expected source to be banned after reaching the threshold")
	}
	if reason != "register_failure" {
		t.Errorf("reason = %q, want register_failure", reason)
	}
}

func TestAbuseFilterIPLiteralWeighting(t *testing.T) {
	f := NewAbuseFilter(nil, testLogger())
	source := "203.0.113.20:5060"

	violationsNeeded := (regFailureThreshold + ruleViolationCountForIPAddress - 1) / ruleViolationCountForIPAddress
	for i := 0; i < violationsNeeded; i++ {
		f.RecordViolation(source, SignalRegisterFailure, "203.0.113.99")
	}

	banned, _ := f.IsBanned(source)
	if !banned {
		t.Fatal("expected IP-literal-targeted violations to ban faster than hostname-targeted ones")
	}
}

func TestAbuseFilterPrivateSourceExempt(t *testing.T) {
	f := NewAbuseFilter(func(netip.Addr) bool { return true }, testLogger())
	source := "10.0.0.5:5060"

	for i := 0; i < regFailureThreshold; i++ {
		f.RecordViolation(source, SignalRegisterFailure, "example.com")
	}
	if banned, _ := f.IsBanned(source); banned {
		t.Fatal("expected a source matched by isPrivate to be exempt from banning")
	}
}

func TestAbuseFilterUnblockIP(t *testing.T) {
	f := NewAbuseFilter(nil, testLogger())
	source := "203.0.113.30:5060"

	for i := 0; i < regFailureThreshold; i++ {
		f.RecordViolation(source, SignalRegisterFailure, "example.com")
	}
	if banned, _ := f.IsBanned(source); !banned {
		t.Fatal("expected source to be banned")
	}

	if !f.UnblockIP("203.0.113.30") {
		t.Fatal("expected UnblockIP to report success for a banned IP")
	}
	if banned, _ := f.IsBanned(source); banned {
		t.Fatal("expected source to no longer be banned after UnblockIP")
	}
}

func TestAbuseFilterBanExpires(t *testing.T) {
	f := NewAbuseFilter(nil, testLogger())
	source := "203.0.113.40:5060"

	for i := 0; i < regFailureThreshold; i++ {
		f.RecordViolation(source, SignalRegisterFailure, "example.com")
	}
	entry := f.entryFor("203.0.113.40")
	entry.mu.Lock()
	entry.bannedAt = time.Now().Add(-entry.banFor - time.Second)
	entry.mu.Unlock()

	if banned, _ := f.IsBanned(source); banned {
		t.Fatal("expected ban to have expired")
	}
}

func TestAbuseFilterBannedCount(t *testing.T) {
	f := NewAbuseFilter(nil, testLogger())
	if f.BannedCount() != 0 {
		t.Fatalf("BannedCount() = %d, want 0", f.BannedCount())
	}

	for i := 0; i < regFailureThreshold; i++ {
		f.RecordViolation("203.0.113.50:5060", SignalRegisterFailure, "example.com")
	}
	if f.BannedCount() != 1 {
		t.Fatalf("BannedCount() = %d, want 1", f.BannedCount())
	}
}
