package sip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/signalrtc/internal/store"
)

const (
	maxSubscribeQueue  = 100
	messageSummaryWait = 500 * time.Millisecond
)

// Subscriber is the SUBSCRIBE core: same queue/worker shape as the
// Registrar, handling SUBSCRIBE and emitting a dummy message-summary NOTIFY.
type Subscriber struct {
	domains  *DomainRegistry
	accounts store.AccountRepository
	auth     *Authenticator
	client   *sipgo.Client
	queue    *workQueue
	logger   *slog.Logger
}

// NewSubscriber creates a Subscriber Core with workers goroutines draining
// the SUBSCRIBE queue. client sends the delayed NOTIFY.
func NewSubscriber(domains *DomainRegistry, accounts store.AccountRepository, auth *Authenticator, client *sipgo.Client, workers int, logger *slog.Logger) *Subscriber {
	logger = logger.With("subsystem", "subscriber")
	return &Subscriber{
		domains:  domains,
		accounts: accounts,
		auth:     auth,
		client:   client,
		queue:    newWorkQueue(maxSubscribeQueue, workers, logger),
		logger:   logger,
	}
}

// Stop drains the queue and waits for in-flight workers to finish.
func (s *Subscriber) Stop() { s.queue.Stop() }

// AddSubscribe is the front door for inbound SUBSCRIBE requests.
func (s *Subscriber) AddSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	if req.Method != sip.SUBSCRIBE {
		respond(s.logger, req, tx, errMethodNotAllowedErr)
		return
	}

	if !s.queue.TryEnqueue(func() { s.process(req, tx) }) {
		respond(s.logger, req, tx, errOverloadedErr)
	}
}

func (s *Subscriber) process(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("subscribe worker panicked", "recovered", rec)
			respond(s.logger, req, tx, errInternalErr)
		}
	}()
	ctx := context.Background()

	toURI := toAddress(req)
	host := req.Recipient.Host
	username := ""
	if toURI != nil {
		host = toURI.Host
		username = toURI.User
	}

	domainID, realm, ok := s.domains.Resolve(host)
	if !ok {
		respond(s.logger, req, tx, errDomainNotServicedErr)
		return
	}

	account, err := s.accounts.GetByUsernameAndDomain(ctx, username, domainID)
	if err != nil {
		s.logger.Error("account lookup failed", "error", err, "username", username)
		respond(s.logger, req, tx, errInternalErr)
		return
	}
	if account == nil || account.Disabled {
		respond(s.logger, req, tx, errForbiddenErr)
		return
	}

	if !s.auth.Authenticate(req, tx, realm, account) {
		return
	}

	res := newResponse(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send subscribe response", "error", err)
		return
	}

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	expires := requestedExpiry(req)
	if event != "message-summary" || expires <= 0 {
		return
	}

	remote := req.Source()
	callID := ""
	if h := req.GetHeader("Call-ID"); h != nil {
		callID = h.Value()
	}
	go func() {
		time.Sleep(messageSummaryWait)
		if err := s.sendMessageSummary(context.Background(), remote, req.Transport(), callID); err != nil {
			s.logger.Warn("failed to send message-summary notify", "error", err, "remote", remote)
		}
	}()
}

// sendMessageSummary sends an unsolicited NOTIFY carrying a "no messages
// waiting" body to the subscription's remote endpoint, not its Contact URI,
// which is the NAT-friendly choice for cloud-deployed servers.
func (s *Subscriber) sendMessageSummary(ctx context.Context, remote, transport, callID string) error {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+remote, &recipient); err != nil {
		return fmt.Errorf("parsing remote endpoint %q: %w", remote, err)
	}

	req := sip.NewRequest(sip.NOTIFY, recipient)
	req.SetTransport(transport)
	req.AppendHeader(sip.NewHeader("Event", "message-summary"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "active"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/simple-message-summary"))
	if callID != "" {
		req.AppendHeader(sip.NewHeader("Call-ID", callID))
	}
	req.SetBody([]byte("Messages-Waiting: no\r\n"))

	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending message-summary notify: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			s.logger.Warn("message-summary notify rejected", "status", res.StatusCode, "reason", res.Reason)
		}
	case <-tx.Done():
		return tx.Err()
	case <-time.After(5 * time.Second):
		s.logger.Warn("message-summary notify timed out", "remote", remote)
	}
	return nil
}
