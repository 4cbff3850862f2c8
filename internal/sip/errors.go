package sip

import (
	"log/slog"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// errKind classifies a protocol-level failure. Kinds map to a fixed
// SIP status; only IntervalTooBrief carries extra response state
// (Min-Expires). Digest challenges are sent by the Authenticator, not
// through respond.
type errKind string

const (
	errBadRequest        errKind = "bad_request"
	errUnauthenticated   errKind = "unauthenticated"
	errForbidden         errKind = "forbidden"
	errDomainNotServiced errKind = "domain_not_serviced"
	errNotFound          errKind = "not_found"
	errOverloaded        errKind = "overloaded"
	errIntervalTooBrief  errKind = "interval_too_brief"
	errMethodNotAllowed  errKind = "method_not_allowed"
	errInternal          errKind = "internal_error"
	errTimeout           errKind = "timeout"
)

// sipError is the typed error every component-level operation returns
// instead of a raw SIP status, so callers can branch on kind (e.g. to
// decide whether to fire an Abuse Filter event) without parsing strings.
type sipError struct {
	kind       errKind
	status     int
	reason     string
	minExpires int // only meaningful for errIntervalTooBrief
}

func (e *sipError) Error() string { return e.reason }

func newSipError(kind errKind, status int, reason string) *sipError {
	return &sipError{kind: kind, status: status, reason: reason}
}

var (
	errBadRequestErr        = newSipError(errBadRequest, 400, "Bad Request")
	errForbiddenErr         = newSipError(errForbidden, 403, "Forbidden")
	errDomainNotServicedErr = newSipError(errDomainNotServiced, 403, "Domain Not Serviced")
	errNotFoundErr          = newSipError(errNotFound, 404, "Not Found")
	errOverloadedErr        = newSipError(errOverloaded, 480, "Temporarily Unavailable")
	errMethodNotAllowedErr  = newSipError(errMethodNotAllowed, 405, "Method Not Allowed")
	errInternalErr          = newSipError(errInternal, 500, "Internal Server Error")
	errTimeoutErr           = newSipError(errTimeout, 408, "Request Timeout")
)

func intervalTooBriefErr(minExpires int) *sipError {
	return &sipError{kind: errIntervalTooBrief, status: 423, reason: "Interval Too Brief", minExpires: minExpires}
}

// serverHeaderValue is stamped on every response this server originates.
const serverHeaderValue = "signalrtc"

// newResponse builds a response for req with the Server header applied,
// the constructor every component uses in place of raw
// sip.NewResponseFromRequest.
func newResponse(req *sip.Request, statusCode int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, statusCode, reason, body)
	res.AppendHeader(sip.NewHeader("Server", serverHeaderValue))
	return res
}

// respond sends the SIP response for a *sipError on the given transaction,
// the single place every worker funnels error responses through, matching
// the convention every core shares.
func respond(logger *slog.Logger, req *sip.Request, tx sip.ServerTransaction, e *sipError) {
	res := newResponse(req, e.status, e.reason, nil)
	if e.kind == errIntervalTooBrief {
		res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(e.minExpires)))
	}
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send error response", "kind", e.kind, "status", e.status, "error", err)
	}
}
