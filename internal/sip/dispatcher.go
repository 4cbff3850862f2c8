package sip

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// Dispatcher sits between the transport adapter and the per-method cores,
// classifying every inbound request as in-dialog, method-specific, or
// rejected.
// It is also where the Abuse Filter's ban gate and retransmit accounting
// are applied, since every request passes through here exactly once.
type Dispatcher struct {
	transport  *Transport
	abuse      *AbuseFilter
	calls      *CallManager
	registrar  *Registrar
	b2bua      *B2BUA
	subscriber *Subscriber
	logger     *slog.Logger
}

// NewDispatcher wires a Dispatcher over the already-constructed cores.
func NewDispatcher(transport *Transport, abuse *AbuseFilter, calls *CallManager, registrar *Registrar, b2bua *B2BUA, subscriber *Subscriber, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport:  transport,
		abuse:      abuse,
		calls:      calls,
		registrar:  registrar,
		b2bua:      b2bua,
		subscriber: subscriber,
		logger:     logger.With("subsystem", "dispatcher"),
	}
}

// Attach registers every SIP method with the underlying transport's server,
// so traffic flows transport -> abuse filter -> dispatcher.
func (d *Dispatcher) Attach() {
	srv := d.transport.Server
	srv.OnRequest(sip.INVITE, d.handle)
	srv.OnRequest(sip.ACK, d.handle)
	srv.OnRequest(sip.BYE, d.handle)
	srv.OnRequest(sip.CANCEL, d.handle)
	srv.OnRequest(sip.REGISTER, d.handle)
	srv.OnRequest(sip.OPTIONS, d.handle)
	srv.OnRequest(sip.SUBSCRIBE, d.handle)
	srv.OnRequest(sip.NOTIFY, d.handle)
	srv.OnNoRoute(d.handle)
}

// handle is the single entry point every inbound request reaches.
func (d *Dispatcher) handle(req *sip.Request, tx sip.ServerTransaction) {
	source := req.Source()

	if banned, reason := d.abuse.IsBanned(source); banned {
		// A banned source's request is dropped silently, no
		// response emitted at all.
		d.logger.Debug("dropped request from banned source", "source", source, "reason", reason, "method", req.Method)
		return
	}

	if d.transport.IsRetransmit(req) {
		d.abuse.RecordViolation(source, SignalRetransmit, req.Recipient.Host)
	}

	// ACK carries no response and, when in-dialog, is simply forwarded.
	if req.Method == sip.ACK {
		d.calls.ProcessInDialog(context.Background(), req, tx)
		return
	}

	// In-dialog requests (re-INVITE, BYE) are routed directly to the peer
	// leg, bypassing the method-specific cores entirely.
	if req.Method != sip.REGISTER && req.Method != sip.SUBSCRIBE && isInDialog(req) {
		if d.calls.ProcessInDialog(context.Background(), req, tx) {
			return
		}
	}

	switch req.Method {
	case sip.INVITE:
		d.b2bua.AddInvite(req, tx)
	case sip.REGISTER:
		d.registrar.AddRegister(req, tx)
	case sip.SUBSCRIBE:
		d.subscriber.AddSubscribe(req, tx)
	case sip.OPTIONS:
		d.respondOptions(req, tx)
	case sip.BYE, sip.CANCEL:
		res := newResponse(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			d.logger.Error("failed to respond to unmatched in-dialog request", "error", err, "method", req.Method)
		}
	default:
		respond(d.logger, req, tx, errMethodNotAllowedErr)
	}
}

// isInDialog reports whether req carries a To-tag, the RFC 3261 marker of
// an in-dialog request rather than a dialog-initiating one.
func isInDialog(req *sip.Request) bool {
	h, ok := req.GetHeader("To").(*sip.ToHeader)
	if !ok {
		return false
	}
	_, hasTag := h.Params.Get("tag")
	return hasTag
}

// respondOptions answers a dialog-initiating OPTIONS with a capability
// response, the keepalive/ping path.
func (d *Dispatcher) respondOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := newResponse(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, SUBSCRIBE, NOTIFY"))
	if err := d.transport.SendResponse(req, tx, res); err != nil {
		d.logger.Error("failed to respond to options", "error", err)
	}
}
