package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// dedupWindow bounds how long a (Call-ID, CSeq, method, source) tuple is
// remembered for retransmit detection; RFC 3261 timers top out well under
// this for any transport.
const dedupWindow = 32 * time.Second

// TransportConfig carries the listener/TLS knobs the Transport Adapter
// needs.
type TransportConfig struct {
	Hostname         string
	SIPListenPort    int
	SIPTlsListenPort int
	TLSCertificate   *tls.Certificate
}

// Transport is the transport adapter. It owns the sipgo UA/Server/
// Client triple, binds UDP/TCP/TLS listeners on both v4-any and v6-any, and
// is the single choke point outgoing requests and responses pass through so
// the Contact Customiser can rewrite INVITE/OPTIONS Contact headers before
// they reach the wire. It also tags retransmitted requests for the Abuse
// Filter, taking the place of a trace-event callback the transport library
// would otherwise invoke synchronously on its own read threads.
type Transport struct {
	UA     *sipgo.UserAgent
	Server *sipgo.Server
	Client *sipgo.Client

	contact   *ContactCustomiser
	isPrivate func(netip.Addr) bool
	logger    *slog.Logger

	cfg    TransportConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

// NewTransport creates the Transport Adapter. It does not start listening;
// call Start for that.
func NewTransport(cfg TransportConfig, contact *ContactCustomiser, isPrivate func(netip.Addr) bool, logger *slog.Logger) (*Transport, error) {
	logger = logger.With("subsystem", "transport")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("signalrtc"),
		sipgo.WithUserAgentHostname(cfg.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	return &Transport{
		UA:        ua,
		Server:    srv,
		Client:    client,
		contact:   contact,
		isPrivate: isPrivate,
		logger:    logger,
		cfg:       cfg,
		dedup:     make(map[string]time.Time),
	}, nil
}

// Start binds UDP, TCP, and (if a certificate is configured) TLS listeners
// on both the v4-any and v6-any wildcard addresses A listener
// that fails to bind (e.g. no v6 stack on the host) is logged and does not
// prevent the others from starting.
func (t *Transport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	for _, wildcard := range []string{"0.0.0.0", "[::]"} {
		udpAddr := net.JoinHostPort(wildcard, strconv.Itoa(t.cfg.SIPListenPort))
		t.listen(ctx, "udp", udpAddr, nil)

		tcpAddr := net.JoinHostPort(wildcard, strconv.Itoa(t.cfg.SIPListenPort))
		t.listen(ctx, "tcp", tcpAddr, nil)

		if t.cfg.TLSCertificate != nil {
			tlsAddr := net.JoinHostPort(wildcard, strconv.Itoa(t.cfg.SIPTlsListenPort))
			t.listen(ctx, "tls", tlsAddr, &tls.Config{
				Certificates: []tls.Certificate{*t.cfg.TLSCertificate},
				MinVersion:   tls.VersionTLS12,
			})
		}
	}
}

func (t *Transport) listen(ctx context.Context, network, addr string, tlsConf *tls.Config) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.logger.Info("sip listener starting", "network", network, "addr", addr)

		var err error
		if tlsConf != nil {
			err = t.Server.ListenAndServeTLS(ctx, network, addr, tlsConf)
		} else {
			err = t.Server.ListenAndServe(ctx, network, addr)
		}
		if err != nil && ctx.Err() == nil {
			t.logger.Warn("sip listener stopped", "network", network, "addr", addr, "error", err)
		}
	}()
}

// Stop cancels every listener and waits for the goroutines to return, then
// releases the underlying sipgo resources.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.Server.Close()
	t.Client.Close()
	t.UA.Close()
}

// SendResponse is the single path every SIP response must take:
// it rewrites the Contact header for INVITE/OPTIONS responses before
// handing off to the transaction.
func (t *Transport) SendResponse(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) error {
	t.rewriteContact(req.Method, res, req.Source())
	return tx.Respond(res)
}

// SendRequest is the single path every outgoing SIP request must take: it
// rewrites the Contact header for an INVITE/OPTIONS request before dialing.
func (t *Transport) SendRequest(ctx context.Context, req *sip.Request, destination string) (sip.ClientTransaction, error) {
	t.rewriteContact(req.Method, req, destination)
	return t.Client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
}

// rewriteContact applies the Contact Customiser to msg's single Contact
// header, if any, when cseqMethod is INVITE or OPTIONS.
func (t *Transport) rewriteContact(cseqMethod sip.RequestMethod, msg interface {
	GetHeaders(string) []sip.Header
}, destination string) {
	if t.contact == nil || !t.contact.AppliesTo(cseqMethod) {
		return
	}

	headers := msg.GetHeaders("Contact")
	if len(headers) != 1 {
		return
	}
	contact, ok := headers[0].(*sip.ContactHeader)
	if !ok {
		return
	}

	destIP := splitDestination(destination)
	if !destIP.IsValid() {
		return
	}
	t.contact.Rewrite(contact, destIP, t.isPrivate)
}

func splitDestination(destination string) netip.Addr {
	host, _, err := net.SplitHostPort(destination)
	if err != nil {
		addr, parseErr := netip.ParseAddr(destination)
		if parseErr != nil {
			return netip.Addr{}
		}
		return addr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// IsRetransmit reports whether req's (Call-ID, CSeq, method, source) tuple
// was already seen within dedupWindow, marking it seen either way. This
// stands in for a trace-event callback the transport library would
// invoke on its own read threads; it must stay non-blocking.
func (t *Transport) IsRetransmit(req *sip.Request) bool {
	key := dedupKey(req)
	if key == "" {
		return false
	}

	now := time.Now()

	t.dedupMu.Lock()
	defer t.dedupMu.Unlock()

	if len(t.dedup) > 4096 {
		for k, seen := range t.dedup {
			if now.Sub(seen) > dedupWindow {
				delete(t.dedup, k)
			}
		}
	}

	last, ok := t.dedup[key]
	t.dedup[key] = now
	return ok && now.Sub(last) <= dedupWindow
}

func dedupKey(req *sip.Request) string {
	callID := ""
	if h := req.GetHeader("Call-ID"); h != nil {
		callID = h.Value()
	}
	if callID == "" {
		return ""
	}
	cseq := ""
	if h := req.GetHeader("CSeq"); h != nil {
		cseq = h.Value()
	}
	return callID + "|" + cseq + "|" + string(req.Method) + "|" + req.Source()
}
