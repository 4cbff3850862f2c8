package sip

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/signalrtc/internal/store"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator performs SIP digest authentication against the account
// store Credentials are validated against the account's stored
// HA1 digest; the plaintext password is never handled here.
type Authenticator struct {
	accounts store.AccountRepository
	domains  *DomainRegistry
	abuse    *AbuseFilter
	logger   *slog.Logger
	nonces   sync.Map // nonce -> time.Time
}

// NewAuthenticator creates a digest authenticator. abuse may be nil in
// tests; when set, every authentication failure feeds the Abuse Filter via
// SignalRegisterFailure.
func NewAuthenticator(accounts store.AccountRepository, domains *DomainRegistry, abuse *AbuseFilter, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		accounts: accounts,
		domains:  domains,
		abuse:    abuse,
		logger:   logger.With("subsystem", "auth"),
	}
}

// Challenge sends a 401 with a fresh WWW-Authenticate challenge scoped to
// realm.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction, realm string) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Opaque:    "signalrtc",
		Algorithm: authAlgoMD5,
	}

	res := newResponse(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header against account's stored
// HA1Digest. Returns true on success. On failure it sends the appropriate
// response itself (401 challenge, or 403 on the forbidden-stale distinction
// when the account record says the username is invalid) and returns false;
// callers must not also send a response in that case.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction, realm string, account *store.Account) bool {
	source := req.Source()

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx, realm)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header", "error", err, "source", source)
		respond(a.logger, req, tx, errBadRequestErr)
		return false
	}

	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.Challenge(req, tx, realm)
		return false
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.Challenge(req, tx, realm)
		return false
	}

	if account == nil {
		// forbidden-stale distinction: the account record itself says the
		// username is invalid, so no amount of re-challenging will help.
		a.recordAuthFailure(source, req)
		respond(a.logger, req, tx, errForbiddenErr)
		return false
	}

	expected := digestResponse(account.HA1Digest, string(req.Method), cred.URI, cred.Nonce)
	if cred.Response != expected {
		a.logger.Warn("digest auth failed", "username", cred.Username, "source", source)
		a.recordAuthFailure(source, req)
		a.Challenge(req, tx, realm)
		return false
	}

	// The nonce stays valid until it expires, so a refreshing UA can reuse
	// it without a fresh challenge round-trip on every request.
	return true
}

// digestResponse computes the simple (no-qop) RFC 2617 digest response
// directly from a stored HA1, since the account store never holds a
// plaintext password to hand to a library-level Digest() helper.
func digestResponse(ha1, method, uri, nonce string) string {
	ha2 := md5Hex(method + ":" + uri)
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (a *Authenticator) recordAuthFailure(source string, req *sip.Request) {
	if a.abuse == nil {
		return
	}
	a.abuse.RecordViolation(source, SignalRegisterFailure, req.Recipient.Host)
}

// CleanExpiredNonces removes nonces older than nonceExpiry. Intended to run
// alongside the binding expiry sweep.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// HashPassword computes the HA1 digest the way every write path to stored
// credentials must: MD5(username ":" realm ":" password).
func HashPassword(username, realm, password string) string {
	return md5Hex(username + ":" + realm + ":" + password)
}
