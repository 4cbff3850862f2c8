package sip

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/signalrtc/internal/store"
)

const maxRegisterQueue = 1000

// Registrar is the REGISTER core: a bounded request queue drained
// by a worker pool, resolving the owning domain/account, authenticating,
// and mutating bindings through the Binding Manager.
type Registrar struct {
	domains  *DomainRegistry
	accounts store.AccountRepository
	bindings *BindingManager
	auth     *Authenticator
	abuse    *AbuseFilter
	notifier *RegistrationNotifier
	queue    *workQueue
	logger   *slog.Logger
}

// NewRegistrar creates a Registrar Core with workers goroutines draining the
// REGISTER queue.
func NewRegistrar(domains *DomainRegistry, accounts store.AccountRepository, bindings *BindingManager, auth *Authenticator, abuse *AbuseFilter, notifier *RegistrationNotifier, workers int, logger *slog.Logger) *Registrar {
	logger = logger.With("subsystem", "registrar")
	return &Registrar{
		domains:  domains,
		accounts: accounts,
		bindings: bindings,
		auth:     auth,
		abuse:    abuse,
		notifier: notifier,
		queue:    newWorkQueue(maxRegisterQueue, workers, logger),
		logger:   logger,
	}
}

// Stop drains the queue and waits for in-flight workers to finish.
func (r *Registrar) Stop() { r.queue.Stop() }

// AddRegister is the front door for inbound REGISTER requests
// It performs the cheap synchronous checks (method, minimum expiry,
// backpressure) itself and defers the rest to a worker.
func (r *Registrar) AddRegister(req *sip.Request, tx sip.ServerTransaction) {
	if req.Method != sip.REGISTER {
		respond(r.logger, req, tx, errMethodNotAllowedErr)
		return
	}

	requested := requestedExpiry(req)
	if requested > 0 && requested < minBindingExpiry {
		respond(r.logger, req, tx, intervalTooBriefErr(minBindingExpiry))
		return
	}

	if !r.queue.TryEnqueue(func() { r.process(req, tx) }) {
		respond(r.logger, req, tx, errOverloadedErr)
	}
}

func (r *Registrar) process(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("register worker panicked", "recovered", rec)
			respond(r.logger, req, tx, errInternalErr)
		}
	}()
	ctx := context.Background()
	source := req.Source()

	toURI := toAddress(req)
	host := req.Recipient.Host
	username := ""
	if toURI != nil {
		host = toURI.Host
		username = toURI.User
	}

	domainID, realm, ok := r.domains.Resolve(host)
	if !ok {
		r.abuse.RecordViolation(source, SignalRegisterFailure, req.Recipient.Host)
		respond(r.logger, req, tx, errDomainNotServicedErr)
		return
	}

	account, err := r.accounts.GetByUsernameAndDomain(ctx, username, domainID)
	if err != nil {
		r.logger.Error("account lookup failed", "error", err, "username", username)
		respond(r.logger, req, tx, errInternalErr)
		return
	}
	if account == nil || account.Disabled {
		r.abuse.RecordViolation(source, SignalRegisterFailure, req.Recipient.Host)
		respond(r.logger, req, tx, errForbiddenErr)
		return
	}

	if !r.auth.Authenticate(req, tx, realm, account) {
		return
	}

	contactHdrs := contactHeaders(req)
	if len(contactHdrs) == 0 {
		bindings, err := r.bindings.GetForAccount(ctx, account.ID)
		if err != nil {
			r.logger.Error("fetching bindings failed", "error", err)
			respond(r.logger, req, tx, errInternalErr)
			return
		}
		r.respondOK(req, tx, bindings)
		return
	}

	reqExpires := requestedExpiry(req)
	updates := make([]ContactUpdate, 0, len(contactHdrs))
	for _, c := range contactHdrs {
		exp := reqExpires
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				exp = n
			}
		}
		clamped, sipErr := ClampExpiry(exp)
		if sipErr != nil {
			respond(r.logger, req, tx, sipErr)
			return
		}
		updates = append(updates, ContactUpdate{ContactURI: c.Address.String(), Expires: clamped})
	}

	userAgent := ""
	if h := req.GetHeader("User-Agent"); h != nil {
		userAgent = h.Value()
	}

	bindings, err := r.bindings.Update(ctx, account.ID, updates, userAgent, source, source, source)
	if err != nil {
		r.logger.Error("binding update failed", "error", err, "account_id", account.ID)
		// Storage errors during binding refresh are a soft failure: respond
		// 200 but force the minimum expiry so the UA retries soon.
		r.respondShortRetry(req, tx)
		return
	}

	if r.notifier != nil {
		r.notifier.Notify(account.ID)
	}

	r.respondOK(req, tx, bindings)
}

func (r *Registrar) respondOK(req *sip.Request, tx sip.ServerTransaction, bindings []store.RegistrarBinding) {
	res := newResponse(req, 200, "OK", nil)
	now := time.Now()
	for _, b := range bindings {
		var uri sip.Uri
		if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
			continue
		}
		remaining := int(b.ExpiryTime.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		ch := &sip.ContactHeader{Address: uri, Params: sip.NewParams()}
		ch.Params.Add("expires", strconv.Itoa(remaining))
		res.AppendHeader(ch)
	}
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

func (r *Registrar) respondShortRetry(req *sip.Request, tx sip.ServerTransaction) {
	res := newResponse(req, 200, "OK", nil)
	for _, c := range contactHeaders(req) {
		ch := &sip.ContactHeader{Address: c.Address, Params: sip.NewParams()}
		ch.Params.Add("expires", strconv.Itoa(minBindingExpiry))
		res.AppendHeader(ch)
	}
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send short-retry register response", "error", err)
	}
}

// requestedExpiry extracts the top-level Expires header value, or the
// default defined by the Binding Manager's expiry policy when absent.
func requestedExpiry(req *sip.Request) int {
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			return n
		}
	}
	return maxBindingExpiry
}

// contactHeaders returns every Contact header on req as *sip.ContactHeader,
// skipping any wildcard ("Contact: *") entry used only for bulk unregister.
func contactHeaders(req *sip.Request) []*sip.ContactHeader {
	var out []*sip.ContactHeader
	for _, h := range req.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok || c.Address.Wildcard {
			continue
		}
		out = append(out, c)
	}
	return out
}

func toAddress(req *sip.Request) *sip.Uri {
	h := req.GetHeader("To")
	to, ok := h.(*sip.ToHeader)
	if !ok {
		return nil
	}
	return &to.Address
}
