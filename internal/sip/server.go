package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/signalrtc/internal/store"
)

// ServerConfig carries everything Server needs to wire the SIP core
// components together, the union of the ambient Config keys that are
// actually relevant to this package.
type ServerConfig struct {
	Hostname              string
	SIPListenPort         int
	SIPTlsListenPort      int
	TLSCertificate        *tls.Certificate
	PublicContactHostname string
	PublicContactIPv4     string
	PublicContactIPv6     string
	PrivateSubnets        []string
	RegisterWorkers       int
	InviteWorkers         int
	SubscribeWorkers      int
}

// Server wires the Transport Adapter, Dispatcher, and every core into
// one long-lived value, the SIP half of the Host Service.
type Server struct {
	transport  *Transport
	dispatcher *Dispatcher
	domains    *DomainRegistry
	bindings   *BindingManager
	auth       *Authenticator
	abuse      *AbuseFilter
	dialplan   *DialplanEvaluator
	calls      *CallManager
	registrar  *Registrar
	b2bua      *B2BUA
	subscriber *Subscriber
	notifier   *RegistrationNotifier

	cancel context.CancelFunc
	logger *slog.Logger
}

// Repositories bundles every store-level repository the SIP core depends
// on, so NewServer's argument list stays manageable.
type Repositories struct {
	Domains   store.DomainRepository
	Accounts  store.AccountRepository
	Bindings  store.BindingRepository
	Dialplans store.DialplanRepository
	CDRs      store.CDRRepository
	SIPCalls  store.SIPCallRepository
}

// NewServer constructs every SIP core component and attaches the
// Dispatcher to the Transport Adapter's server's component table.
// It does not start listening or compiling the dialplan; call Start for
// that.
func NewServer(ctx context.Context, cfg ServerConfig, repos Repositories, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	domains, err := NewDomainRegistry(ctx, repos.Domains)
	if err != nil {
		return nil, fmt.Errorf("loading domain registry: %w", err)
	}

	subnets := NewPrivateSubnetMatcher(cfg.PrivateSubnets)
	abuse := NewAbuseFilter(subnets.Contains, logger)
	contact := NewContactCustomiser(cfg.PublicContactHostname, cfg.PublicContactIPv4, cfg.PublicContactIPv6)

	transport, err := NewTransport(TransportConfig{
		Hostname:         cfg.Hostname,
		SIPListenPort:    cfg.SIPListenPort,
		SIPTlsListenPort: cfg.SIPTlsListenPort,
		TLSCertificate:   cfg.TLSCertificate,
	}, contact, subnets.Contains, logger)
	if err != nil {
		return nil, fmt.Errorf("creating transport adapter: %w", err)
	}

	bindings := NewBindingManager(repos.Bindings, logger)
	authenticator := NewAuthenticator(repos.Accounts, domains, abuse, logger)
	dialplan := NewDialplanEvaluator(repos.Dialplans, logger)
	notifier := NewRegistrationNotifier()

	calls := NewCallManager(transport.Client, repos.CDRs, repos.SIPCalls, logger)

	registrar := NewRegistrar(domains, repos.Accounts, bindings, authenticator, abuse, notifier, cfg.RegisterWorkers, logger)
	b2bua := NewB2BUA(domains, repos.Accounts, authenticator, abuse, dialplan, calls, repos.CDRs, transport, cfg.InviteWorkers, logger)
	subscriber := NewSubscriber(domains, repos.Accounts, authenticator, transport.Client, cfg.SubscribeWorkers, logger)

	dispatcher := NewDispatcher(transport, abuse, calls, registrar, b2bua, subscriber, logger)
	dispatcher.Attach()

	return &Server{
		transport:  transport,
		dispatcher: dispatcher,
		domains:    domains,
		bindings:   bindings,
		auth:       authenticator,
		abuse:      abuse,
		dialplan:   dialplan,
		calls:      calls,
		registrar:  registrar,
		b2bua:      b2bua,
		subscriber: subscriber,
		notifier:   notifier,
		logger:     logger,
	}, nil
}

// Start warms the dialplan compile cache, starts the binding expiry sweep,
// and begins listening on every configured transport. It returns once
// listeners have been launched; it does not block.
func (s *Server) Start(ctx context.Context) error {
	if err := s.dialplan.Warm(ctx); err != nil {
		s.logger.Warn("dialplan warmup failed, will retry on first lookup", "error", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.bindings.RunExpirySweep(ctx)
	go s.runNonceSweep(ctx)

	s.transport.Start(ctx)
	s.logger.Info("sip server started",
		"sip_port", s.transport.cfg.SIPListenPort,
		"sip_tls_port", s.transport.cfg.SIPTlsListenPort,
	)
	return nil
}

// Stop signals every worker pool and background loop to drain, then
// releases the transport's sockets's cancellation model.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.registrar.Stop()
	s.b2bua.Stop()
	s.subscriber.Stop()
	s.transport.Stop()
	s.logger.Info("sip server stopped")
}

// runNonceSweep periodically clears expired digest nonces from the
// Authenticator, alongside the binding expiry sweep, so the nonce map
// doesn't grow unbounded under sustained challenge traffic.
func (s *Server) runNonceSweep(ctx context.Context) {
	ticker := time.NewTicker(nonceExpiry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.auth.CleanExpiredNonces()
		}
	}
}

// AbuseFilter exposes the Abuse Filter for admin-facing ban visibility.
func (s *Server) AbuseFilter() *AbuseFilter { return s.abuse }

// DialplanEvaluator exposes the Dialplan Evaluator for admin-facing compile
// error display.
func (s *Server) DialplanEvaluator() *DialplanEvaluator { return s.dialplan }

// CallManager exposes the Call Manager for metrics (active bridge count).
func (s *Server) CallManager() *CallManager { return s.calls }

// QueueDepths returns the current backlog of each core's work queue, for
// metrics.
func (s *Server) QueueDepths() (register, invite, subscribe int) {
	return s.registrar.queue.Depth(), s.b2bua.queue.Depth(), s.subscriber.queue.Depth()
}
