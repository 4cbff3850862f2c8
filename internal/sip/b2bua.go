package sip

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/signalrtc/internal/store"
)

const maxInviteQueue = 5

// B2BUA is the INVITE core: a bounded queue drained by a
// worker pool, each worker resolving the caller, invoking the Dialplan
// Evaluator, and instantiating a UAC leg toward the resolved destination.
type B2BUA struct {
	domains   *DomainRegistry
	accounts  store.AccountRepository
	auth      *Authenticator
	abuse     *AbuseFilter
	dialplan  *DialplanEvaluator
	calls     *CallManager
	cdrs      store.CDRRepository
	transport *Transport
	queue     *workQueue
	logger    *slog.Logger
}

// NewB2BUA creates a B2BUA Core with workers goroutines draining the
// INVITE queue. transport is the Transport Adapter used both to dial the
// resolved destination and to apply Contact rewriting to the bridged
// response.
func NewB2BUA(domains *DomainRegistry, accounts store.AccountRepository, auth *Authenticator, abuse *AbuseFilter, dialplan *DialplanEvaluator, calls *CallManager, cdrs store.CDRRepository, transport *Transport, workers int, logger *slog.Logger) *B2BUA {
	logger = logger.With("subsystem", "b2bua")
	return &B2BUA{
		domains:   domains,
		accounts:  accounts,
		auth:      auth,
		abuse:     abuse,
		dialplan:  dialplan,
		calls:     calls,
		cdrs:      cdrs,
		transport: transport,
		queue:     newWorkQueue(maxInviteQueue, workers, logger),
		logger:    logger,
	}
}

// Stop drains the queue and waits for in-flight workers to finish.
func (b *B2BUA) Stop() { b.queue.Stop() }

// AddInvite is the front door for inbound INVITE requests. It
// sends the provisional 100 Trying itself, synchronously, then defers the
// rest of the pipeline to a worker.
func (b *B2BUA) AddInvite(req *sip.Request, tx sip.ServerTransaction) {
	if req.Method != sip.INVITE {
		respond(b.logger, req, tx, errMethodNotAllowedErr)
		return
	}

	trying := newResponse(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		b.logger.Error("failed to send 100 trying", "error", err)
	}

	if !b.queue.TryEnqueue(func() { b.process(req, tx) }) {
		respond(b.logger, req, tx, errOverloadedErr)
	}
}

func (b *B2BUA) process(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("invite worker panicked", "recovered", rec)
			respond(b.logger, req, tx, errInternalErr)
		}
	}()
	ctx := context.Background()
	source := req.Source()

	fromURI := fromAddress(req)
	if fromURI == nil {
		b.abuse.RecordViolation(source, SignalAcceptFailure, req.Recipient.Host)
		respond(b.logger, req, tx, errBadRequestErr)
		return
	}

	from := FromAccountInfo{}
	if domainID, _, hosted := b.domains.Resolve(fromURI.Host); hosted {
		account, err := b.accounts.GetByUsernameAndDomain(ctx, fromURI.User, domainID)
		if err != nil {
			b.logger.Error("caller account lookup failed", "error", err)
			respond(b.logger, req, tx, errInternalErr)
			return
		}
		if account == nil || account.Disabled {
			b.abuse.RecordViolation(source, SignalAcceptFailure, req.Recipient.Host)
			respond(b.logger, req, tx, errForbiddenErr)
			return
		}
		from = FromAccountInfo{Hosted: true, Username: account.Username, DomainID: domainID}
	}

	uasTx := UasTxInfo{
		DialledUser: req.Recipient.User,
		FromUser:    fromURI.User,
		FromHost:    fromURI.Host,
		Body:        string(req.Body()),
	}

	descriptor, err := b.dialplan.Lookup(ctx, uasTx, from)
	if err != nil {
		b.logger.Error("dialplan lookup failed", "error", err)
		respond(b.logger, req, tx, errInternalErr)
		return
	}
	if descriptor == nil {
		b.abuse.RecordViolation(source, SignalAcceptFailure, req.Recipient.Host)
		respond(b.logger, req, tx, errNotFoundErr)
		return
	}

	callID := ""
	if h := req.GetHeader("Call-ID"); h != nil {
		callID = h.Value()
	}

	if err := b.createCDR(ctx, req, callID, descriptor, source); err != nil {
		b.logger.Error("failed to create cdr", "error", err, "call_id", callID)
	}

	var recipient sip.Uri
	if err := sip.ParseUri(descriptor.Destination, &recipient); err != nil {
		b.logger.Error("invalid dialplan destination", "error", err, "destination", descriptor.Destination)
		respond(b.logger, req, tx, errInternalErr)
		return
	}

	out := sip.NewRequest(sip.INVITE, recipient)
	out.SetTransport(req.Transport())

	// Both legs share the Call-ID so their CDRs correlate to one bridge.
	if callID != "" {
		out.AppendHeader(sip.NewHeader("Call-ID", callID))
	}

	fromHdr := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: fromURI.User, Host: b.transport.cfg.Hostname},
		Params:  sip.NewParams(),
	}
	fromHdr.Params.Add("tag", sip.GenerateTagN(16))
	out.AppendHeader(fromHdr)

	body := descriptor.Body
	if body == "" {
		body = string(req.Body())
	}
	if body != "" {
		out.SetBody([]byte(body))
		if ct := req.GetHeader("Content-Type"); ct != nil {
			out.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
		}
	}

	uacTx, err := b.transport.SendRequest(ctx, out, descriptor.Destination)
	if err != nil {
		b.logger.Error("failed to dial destination", "error", err, "destination", descriptor.Destination)
		respond(b.logger, req, tx, errInternalErr)
		return
	}

	b.pump(ctx, req, tx, out, uacTx, callID)
}

// pump relays provisional responses from the UAC leg to the UAS transaction
// and, on the first final response, either bridges the two legs (2xx) or
// relays the failure upstream.
func (b *B2BUA) pump(ctx context.Context, uasReq *sip.Request, uasTx sip.ServerTransaction, uacReq *sip.Request, uacTx sip.ClientTransaction, callID string) {
	for {
		select {
		case <-uasTx.Done():
			// Caller abandoned (CANCEL or transport loss); tear down the
			// outbound leg rather than completing a call nobody wants.
			uacTx.Terminate()
			b.markHungup(ctx, callID, "caller abandoned")
			return
		case <-uacTx.Done():
			if err := uacTx.Err(); err != nil {
				b.logger.Warn("uac leg terminated with error", "error", err, "call_id", callID)
			}
			return
		case res, ok := <-uacTx.Responses():
			if !ok {
				return
			}
			switch {
			case res.StatusCode < 200:
				relay := newResponse(uasReq, res.StatusCode, res.Reason, nil)
				if err := uasTx.Respond(relay); err != nil {
					b.logger.Error("failed to relay provisional response", "error", err)
				}
				b.markProgress(ctx, callID, res)
			case res.StatusCode < 300:
				relay := newResponse(uasReq, res.StatusCode, res.Reason, nil)
				ensureToTag(relay)
				if len(res.Body()) > 0 {
					relay.SetBody(res.Body())
					if ct := res.GetHeader("Content-Type"); ct != nil {
						relay.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
					}
				}
				if err := b.transport.SendResponse(uasReq, uasTx, relay); err != nil {
					b.logger.Error("failed to relay answer", "error", err)
				}
				b.onAnswer(ctx, uasReq, relay, uacReq, res, callID)
				return
			default:
				// A downstream busy/decline is a legitimately-routed call's
				// outcome, not an accept failure of ours, so it never feeds
				// the abuse filter.
				relay := newResponse(uasReq, res.StatusCode, res.Reason, nil)
				if err := uasTx.Respond(relay); err != nil {
					b.logger.Error("failed to relay failure response", "error", err)
				}
				b.markHungup(ctx, callID, res.Reason)
				return
			}
		}
	}
}

func (b *B2BUA) onAnswer(ctx context.Context, uasReq *sip.Request, uasRes *sip.Response, uacReq *sip.Request, uacRes *sip.Response, callID string) {
	legA := LegInfo{
		CallID:          callID,
		LocalTag:        tagOf(uasRes.GetHeader("To")),
		RemoteTag:       tagOf(uasReq.GetHeader("From")),
		RemoteTarget:    contactOf(uasReq),
		LocalUserField:  headerValue(uasRes, "To"),
		RemoteUserField: headerValue(uasReq, "From"),
		Direction:       "uas",
		RemoteSocket:    uasReq.Source(),
	}
	legB := LegInfo{
		CallID:          callID,
		LocalTag:        tagOf(uacReq.GetHeader("From")),
		RemoteTag:       tagOf(uacRes.GetHeader("To")),
		RemoteTarget:    contactOf(uacRes),
		LocalUserField:  headerValue(uacReq, "From"),
		RemoteUserField: headerValue(uacRes, "To"),
		Direction:       "uac",
		RemoteSocket:    uacReq.Recipient.String(),
	}

	if cs := uasReq.CSeq(); cs != nil {
		legA.CSeq = int(cs.SeqNo)
	}
	if cs := uacReq.CSeq(); cs != nil {
		legB.CSeq = int(cs.SeqNo)
	}

	if _, err := b.calls.Bridge(ctx, legA, legB); err != nil {
		b.logger.Error("failed to bridge legs", "error", err, "call_id", callID)
		return
	}
	b.markAnswered(ctx, callID, uacRes)
}

func (b *B2BUA) createCDR(ctx context.Context, req *sip.Request, callID string, descriptor *CallDescriptor, source string) error {
	from := ""
	if h := req.GetHeader("From"); h != nil {
		from = h.Value()
	}
	return b.cdrs.Create(ctx, &store.CDR{
		Direction:      "inbound",
		DestinationURI: descriptor.Destination,
		FromHeader:     from,
		CallID:         callID,
		RemoteSocket:   source,
	})
}

func (b *B2BUA) markProgress(ctx context.Context, callID string, res *sip.Response) {
	cdr, err := b.cdrs.GetByCallID(ctx, callID)
	if err != nil || cdr == nil || cdr.ProgressAt != nil {
		return
	}
	now := time.Now().UTC()
	cdr.ProgressAt = &now
	cdr.ProgressStatus = res.StatusCode
	cdr.ProgressReason = res.Reason
	if err := b.cdrs.Update(ctx, cdr); err != nil {
		b.logger.Error("failed to record progress", "error", err, "call_id", callID)
	}
}

func (b *B2BUA) markAnswered(ctx context.Context, callID string, res *sip.Response) {
	cdr, err := b.cdrs.GetByCallID(ctx, callID)
	if err != nil || cdr == nil {
		return
	}
	now := time.Now().UTC()
	cdr.AnsweredAt = &now
	cdr.AnsweredStatus = res.StatusCode
	cdr.AnsweredReason = res.Reason
	if cdr.ProgressAt != nil {
		cdr.RingDuration = now.Sub(*cdr.ProgressAt)
	}
	if err := b.cdrs.Update(ctx, cdr); err != nil {
		b.logger.Error("failed to record answer", "error", err, "call_id", callID)
	}
}

func (b *B2BUA) markHungup(ctx context.Context, callID, reason string) {
	cdr, err := b.cdrs.GetByCallID(ctx, callID)
	if err != nil || cdr == nil {
		return
	}
	now := time.Now().UTC()
	cdr.HungupAt = &now
	cdr.HungupReason = reason
	if err := b.cdrs.Update(ctx, cdr); err != nil {
		b.logger.Error("failed to record hangup", "error", err, "call_id", callID)
	}
}

func fromAddress(req *sip.Request) *sip.Uri {
	h, ok := req.GetHeader("From").(*sip.FromHeader)
	if !ok {
		return nil
	}
	return &h.Address
}

// ensureToTag stamps a local tag on res's To header if the upstream stack
// hasn't already: the answered 200 establishes a dialog, and the caller's
// in-dialog requests echo this tag back, so it has to exist for the Call
// Manager to match them.
func ensureToTag(res *sip.Response) {
	to, ok := res.GetHeader("To").(*sip.ToHeader)
	if !ok {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, has := to.Params.Get("tag"); !has {
		to.Params.Add("tag", sip.GenerateTagN(16))
	}
}

func tagOf(h sip.Header) string {
	switch v := h.(type) {
	case *sip.FromHeader:
		t, _ := v.Params.Get("tag")
		return t
	case *sip.ToHeader:
		t, _ := v.Params.Get("tag")
		return t
	default:
		return ""
	}
}

func headerValue(msg interface{ GetHeader(string) sip.Header }, name string) string {
	if h := msg.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func contactOf(msg interface{ GetHeader(string) sip.Header }) string {
	h, ok := msg.GetHeader("Contact").(*sip.ContactHeader)
	if !ok {
		return ""
	}
	return h.Address.String()
}
