// Package config loads signalrtc's runtime configuration from CLI flags
// with environment-variable overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the signalrtc server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	LogLevel  string
	LogFormat string
	HTTPPort  int
	SIPDomain string
	Admins    []string

	SIPListenPort         int
	SIPTlsListenPort      int
	TLSCertFile           string
	TLSKeyFile            string
	PublicContactHostname string
	PublicContactIPv4     string
	PublicContactIPv6     string
	PrivateSubnets        []string

	RegisterWorkers  int
	InviteWorkers    int
	SubscribeWorkers int
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultHTTPPort         = 8080
	defaultSIPListenPort    = 5060
	defaultSIPTlsListenPort = 5061
	defaultRegisterWorkers  = 8
	defaultInviteWorkers    = 8
	defaultSubscribeWorkers = 4
)

// envPrefix is the prefix for all signalrtc environment variables.
const envPrefix = "SIGNALRTC_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	var adminsCSV, privateSubnetsCSV string

	fs := flag.NewFlagSet("signalrtc", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for the WebRTC signal relay")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "default domain for account admin flows")
	fs.StringVar(&adminsCSV, "admins", "", "comma-separated list of user ids granted admin role")
	fs.IntVar(&cfg.SIPListenPort, "sip-listen-port", defaultSIPListenPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTlsListenPort, "sip-tls-listen-port", defaultSIPTlsListenPort, "SIP TLS listen port")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", "", "PEM certificate for the SIP TLS listener")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", "", "PEM private key for the SIP TLS listener")
	fs.StringVar(&cfg.PublicContactHostname, "public-contact-hostname", "", "hostname used when rewriting outgoing Contact headers")
	fs.StringVar(&cfg.PublicContactIPv4, "public-contact-ipv4", "", "public IPv4 used when rewriting outgoing Contact headers")
	fs.StringVar(&cfg.PublicContactIPv6, "public-contact-ipv6", "", "public IPv6 used when rewriting outgoing Contact headers")
	fs.StringVar(&privateSubnetsCSV, "private-subnets", "", "comma-separated CIDRs exempt from Contact rewrite and abuse counting")
	fs.IntVar(&cfg.RegisterWorkers, "register-workers", defaultRegisterWorkers, "worker pool size for the Registrar Core")
	fs.IntVar(&cfg.InviteWorkers, "invite-workers", defaultInviteWorkers, "worker pool size for the B2BUA Core")
	fs.IntVar(&cfg.SubscribeWorkers, "subscribe-workers", defaultSubscribeWorkers, "worker pool size for the Subscriber Core")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, &adminsCSV, &privateSubnetsCSV)

	cfg.Admins = splitCSV(adminsCSV)
	cfg.PrivateSubnets = splitCSV(privateSubnetsCSV)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, adminsCSV, privateSubnetsCSV *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	lookup := func(flagName string) (string, bool) {
		if set[flagName] {
			return "", false
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return "", false
		}
		return val, true
	}

	if v, ok := lookup("data-dir"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookup("log-level"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("log-format"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("http-port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v, ok := lookup("sip-domain"); ok {
		cfg.SIPDomain = v
	}
	if v, ok := lookup("admins"); ok {
		*adminsCSV = v
	}
	if v, ok := lookup("sip-listen-port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SIPListenPort = n
		}
	}
	if v, ok := lookup("sip-tls-listen-port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SIPTlsListenPort = n
		}
	}
	if v, ok := lookup("tls-cert-file"); ok {
		cfg.TLSCertFile = v
	}
	if v, ok := lookup("tls-key-file"); ok {
		cfg.TLSKeyFile = v
	}
	if v, ok := lookup("public-contact-hostname"); ok {
		cfg.PublicContactHostname = v
	}
	if v, ok := lookup("public-contact-ipv4"); ok {
		cfg.PublicContactIPv4 = v
	}
	if v, ok := lookup("public-contact-ipv6"); ok {
		cfg.PublicContactIPv6 = v
	}
	if v, ok := lookup("private-subnets"); ok {
		*privateSubnetsCSV = v
	}
	if v, ok := lookup("register-workers"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterWorkers = n
		}
	}
	if v, ok := lookup("invite-workers"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InviteWorkers = n
		}
	}
	if v, ok := lookup("subscribe-workers"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubscribeWorkers = n
		}
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if err := validPort(c.HTTPPort, "http-port"); err != nil {
		return err
	}
	if err := validPort(c.SIPListenPort, "sip-listen-port"); err != nil {
		return err
	}
	if err := validPort(c.SIPTlsListenPort, "sip-tls-listen-port"); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls-cert-file and tls-key-file must be set together")
	}

	if c.PublicContactIPv4 != "" {
		addr, err := netip.ParseAddr(c.PublicContactIPv4)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("public-contact-ipv4 must be a valid IPv4 address, got %q", c.PublicContactIPv4)
		}
	}
	if c.PublicContactIPv6 != "" {
		addr, err := netip.ParseAddr(c.PublicContactIPv6)
		if err != nil || !addr.Is6() {
			return fmt.Errorf("public-contact-ipv6 must be a valid IPv6 address, got %q", c.PublicContactIPv6)
		}
	}
	for _, cidr := range c.PrivateSubnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("private-subnets entry %q is not a valid CIDR: %w", cidr, err)
		}
	}

	if c.RegisterWorkers < 1 {
		return fmt.Errorf("register-workers must be at least 1, got %d", c.RegisterWorkers)
	}
	if c.InviteWorkers < 1 {
		return fmt.Errorf("invite-workers must be at least 1, got %d", c.InviteWorkers)
	}
	if c.SubscribeWorkers < 1 {
		return fmt.Errorf("subscribe-workers must be at least 1, got %d", c.SubscribeWorkers)
	}

	return nil
}

func validPort(p int, name string) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, p)
	}
	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
