package sip

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Signal identifies which abuse category a violation belongs to. Each has
// its own threshold and counter.
type Signal int

const (
	SignalRegisterFailure Signal = iota
	SignalRetransmit
	SignalAcceptFailure
)

const (
	regFailureThreshold    = 5
	retransmitThreshold    = 20
	acceptFailureThreshold = 5

	// ruleViolationCountForIPAddress weights a violation whose request-URI
	// host is a bare IP literal — scanners overwhelmingly target IP
	// literals rather than hostnames.
	ruleViolationCountForIPAddress = 3

	banResetWindow = 10 * time.Minute
)

func thresholdFor(s Signal) int {
	switch s {
	case SignalRegisterFailure:
		return regFailureThreshold
	case SignalRetransmit:
		return retransmitThreshold
	case SignalAcceptFailure:
		return acceptFailureThreshold
	default:
		return 0
	}
}

// banEntry tracks per-source abuse counters and the current ban window.
// Mirrors the BanEntry data-model record; process-local, never persisted.
type banEntry struct {
	mu sync.Mutex

	regFailureCount  int
	lastRegFailure   time.Time
	retransmitCount  int
	lastRetransmit   time.Time
	acceptFailCount  int
	lastAcceptFail   time.Time

	bannedAt   time.Time
	banFor     time.Duration
	banReason  string
	banCounts  int
	banned     bool
}

// AbuseFilter maintains a concurrent per-source ban table and exposes the
// IsBanned gate the Dispatcher consults before dispatching any request.
type AbuseFilter struct {
	mu         sync.Mutex
	entries    map[string]*banEntry
	isPrivate  func(netip.Addr) bool
	logger     *slog.Logger
}

// NewAbuseFilter creates an abuse filter. isPrivate, if non-nil, exempts
// matching source addresses from all counting.
func NewAbuseFilter(isPrivate func(netip.Addr) bool, logger *slog.Logger) *AbuseFilter {
	return &AbuseFilter{
		entries:   make(map[string]*banEntry),
		isPrivate: isPrivate,
		logger:    logger.With("subsystem", "abusefilter"),
	}
}

// IsBanned reports whether source (an "ip:port" or bare ip string) is
// currently serving out a ban, clearing expired bans as a side effect.
func (f *AbuseFilter) IsBanned(source string) (bool, string) {
	ip := extractIP(source)
	if ip == "" {
		return false, ""
	}

	entry := f.entryFor(ip)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.banned {
		return false, ""
	}
	if time.Since(entry.bannedAt) > entry.banFor {
		entry.banned = false
		entry.regFailureCount = 0
		entry.retransmitCount = 0
		entry.acceptFailCount = 0
		return false, ""
	}
	return true, entry.banReason
}

// RecordViolation registers a hit against one abuse signal for source.
// uriHost is the request-URI host that triggered the violation, used to
// detect bare-IP-literal targeting for the weighted threshold.
func (f *AbuseFilter) RecordViolation(source string, signal Signal, uriHost string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}
	if f.isPrivate != nil {
		if addr, err := netip.ParseAddr(ip); err == nil && f.isPrivate(addr) {
			return
		}
	}

	entry := f.entryFor(ip)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.banned {
		return
	}

	weight := 1
	if isBareIPLiteral(uriHost) {
		weight = ruleViolationCountForIPAddress
	}

	now := time.Now()
	switch signal {
	case SignalRegisterFailure:
		if now.Sub(entry.lastRegFailure) > banResetWindow {
			entry.regFailureCount = 0
		}
		entry.regFailureCount += weight
		entry.lastRegFailure = now
	case SignalRetransmit:
		if now.Sub(entry.lastRetransmit) > banResetWindow {
			entry.retransmitCount = 0
		}
		entry.retransmitCount += weight
		entry.lastRetransmit = now
	case SignalAcceptFailure:
		if now.Sub(entry.lastAcceptFail) > banResetWindow {
			entry.acceptFailCount = 0
		}
		entry.acceptFailCount += weight
		entry.lastAcceptFail = now
	}

	count := f.countFor(entry, signal)
	if count < thresholdFor(signal) {
		return
	}

	entry.banCounts++
	entry.banned = true
	entry.bannedAt = now
	entry.banFor = time.Duration(5*pow2(entry.banCounts-1)) * time.Minute
	entry.banReason = signalName(signal)
	entry.regFailureCount = 0
	entry.retransmitCount = 0
	entry.acceptFailCount = 0

	f.logger.Warn("source banned",
		"ip", ip, "reason", entry.banReason, "duration", entry.banFor.String(), "ban_counts", entry.banCounts)
}

func (f *AbuseFilter) countFor(e *banEntry, s Signal) int {
	switch s {
	case SignalRegisterFailure:
		return e.regFailureCount
	case SignalRetransmit:
		return e.retransmitCount
	case SignalAcceptFailure:
		return e.acceptFailCount
	default:
		return 0
	}
}

func (f *AbuseFilter) entryFor(ip string) *banEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[ip]
	if !ok {
		e = &banEntry{}
		f.entries[ip] = e
	}
	return e
}

func pow2(n int) int {
	if n < 0 {
		return 1
	}
	result := 1
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func signalName(s Signal) string {
	switch s {
	case SignalRegisterFailure:
		return "register_failure"
	case SignalRetransmit:
		return "retransmit"
	case SignalAcceptFailure:
		return "accept_failure"
	default:
		return "unknown"
	}
}

// isBareIPLiteral reports whether host is an IPv4/IPv6 literal rather than
// a hostname.
func isBareIPLiteral(host string) bool {
	if host == "" {
		return false
	}
	h := host
	if len(h) >= 2 && h[0] == '[' && h[len(h)-1] == ']' {
		h = h[1 : len(h)-1]
	}
	return net.ParseIP(h) != nil
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

// BlockedSources returns a snapshot of currently banned sources, for admin
// visibility.
func (f *AbuseFilter) BlockedSources() []BlockedSource {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	var out []BlockedSource
	for ip, e := range f.entries {
		e.mu.Lock()
		if e.banned && now.Sub(e.bannedAt) <= e.banFor {
			out = append(out, BlockedSource{
				IP:        ip,
				Reason:    e.banReason,
				BannedAt:  e.bannedAt,
				ExpiresAt: e.bannedAt.Add(e.banFor),
			})
		}
		e.mu.Unlock()
	}
	return out
}

// UnblockIP manually lifts a ban, for admin visibility. Returns true if the
// IP was found and was banned.
func (f *AbuseFilter) UnblockIP(ip string) bool {
	f.mu.Lock()
	e, ok := f.entries[ip]
	f.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.banned {
		return false
	}
	e.banned = false
	e.regFailureCount = 0
	e.retransmitCount = 0
	e.acceptFailCount = 0
	f.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// BannedCount reports the number of sources currently serving out a ban,
// for metrics.
func (f *AbuseFilter) BannedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	count := 0
	for _, e := range f.entries {
		e.mu.Lock()
		if e.banned && now.Sub(e.bannedAt) <= e.banFor {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

// BlockedSource is a single banned source for admin display.
type BlockedSource struct {
	IP        string
	Reason    string
	BannedAt  time.Time
	ExpiresAt time.Time
}
