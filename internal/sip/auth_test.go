package sip

import (
	"net/netip"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/signalrtc/internal/store"
)

// fakeServerTransaction is a minimal sip.ServerTransaction good enough to
// capture the response an Authenticator sends, without a real transport.
type fakeServerTransaction struct {
	responses []*sip.Response
	done      chan struct{}
}

func newFakeServerTransaction() *fakeServerTransaction {
	return &fakeServerTransaction{done: make(chan struct{})}
}

func (f *fakeServerTransaction) Respond(res *sip.Response) error {
	f.responses = append(f.responses, res)
	return nil
}
func (f *fakeServerTransaction) Acks() <-chan *sip.Request             { return nil }
func (f *fakeServerTransaction) OnCancel(fn sip.FnTxCancel) bool       { return true }
func (f *fakeServerTransaction) Terminate()                           {}
func (f *fakeServerTransaction) OnTerminate(fn sip.FnTxTerminate) bool { return true }
func (f *fakeServerTransaction) Done() <-chan struct{}                 { return f.done }
func (f *fakeServerTransaction) Err() error                            { return nil }

func (f *fakeServerTransaction) last() *sip.Response {
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

func newRegisterRequest(source string) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{User: "1001", Host: "example.com"})
	req.SetSource(source)
	return req
}

func TestHashPasswordAndDigestResponseRoundTrip(t *testing.T) {
	ha1 := HashPassword("1001", "example.com", "secret")
	expected := digestResponse(ha1, "REGISTER", "sip:example.com", "abc123")

	ha2 := md5Hex("REGISTER:sip:example.com")
	want := md5Hex(ha1 + ":abc123:" + ha2)
	if expected != want {
		t.Fatalf("digestResponse = %q, want %q", expected, want)
	}
}

func TestAuthenticatorChallengesMissingAuthorization(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil, testLogger())
	req := newRegisterRequest("198.51.100.1:5060")
	tx := newFakeServerTransaction()

	if a.Authenticate(req, tx, "example.com", nil) {
		t.Fatal("expected Authenticate to fail without an Authorization header")
	}
	res := tx.last()
	if res == nil || res.StatusCode != 401 {
		t.Fatalf("expected a 401 challenge, got %v", res)
	}
}

func TestAuthenticatorSucceedsWithValidDigest(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil, testLogger())
	req := newRegisterRequest("198.51.100.1:5060")
	tx := newFakeServerTransaction()

	a.Challenge(req, tx, "example.com")
	res := tx.last()
	chalHeader := res.GetHeader("WWW-Authenticate")
	if chalHeader == nil {
		t.Fatal("expected a WWW-Authenticate header on the challenge")
	}
	chal, err := digest.ParseChallenge(chalHeader.Value())
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}

	account := &store.Account{Username: "1001", HA1Digest: HashPassword("1001", "example.com", "secret")}
	uri := "sip:example.com"

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      uri,
		Username: "1001",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("digest.Digest: %v", err)
	}

	authedReq := newRegisterRequest("198.51.100.1:5060")
	authedReq.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	if !a.Authenticate(authedReq, tx, "example.com", account) {
		t.Fatal("expected Authenticate to succeed with a correctly computed digest response")
	}
}

func TestAuthenticatorRejectsWrongDigest(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil, testLogger())
	req := newRegisterRequest("198.51.100.1:5060")
	tx := newFakeServerTransaction()

	a.Challenge(req, tx, "example.com")
	chal, _ := digest.ParseChallenge(tx.last().GetHeader("WWW-Authenticate").Value())

	account := &store.Account{Username: "1001", HA1Digest: HashPassword("1001", "example.com", "secret")}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      "sip:example.com",
		Username: "1001",
		Password: "wrong-password",
	})
	if err != nil {
		t.Fatalf("digest.Digest: %v", err)
	}

	authedReq := newRegisterRequest("198.51.100.1:5060")
	authedReq.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	if a.Authenticate(authedReq, tx, "example.com", account) {
		t.Fatal("expected Authenticate to reject a wrong digest response")
	}
	res := tx.last()
	if res.StatusCode != 401 {
		t.Fatalf("expected a re-challenge (401), got %d", res.StatusCode)
	}
}

func TestAuthenticatorForbidsUnknownAccount(t *testing.T) {
	abuse := NewAbuseFilter(func(netip.Addr) bool { return false }, testLogger())
	a := NewAuthenticator(nil, nil, abuse, testLogger())
	req := newRegisterRequest("198.51.100.1:5060")
	tx := newFakeServerTransaction()

	a.Challenge(req, tx, "example.com")
	chal, _ := digest.ParseChallenge(tx.last().GetHeader("WWW-Authenticate").Value())

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      "sip:example.com",
		Username: "ghost",
		Password: "whatever",
	})
	if err != nil {
		t.Fatalf("digest.Digest: %v", err)
	}
	authedReq := newRegisterRequest("198.51.100.1:5060")
	authedReq.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	if a.Authenticate(authedReq, tx, "example.com", nil) {
		t.Fatal("expected Authenticate to fail for a nil account")
	}
	res := tx.last()
	if res.StatusCode != 403 {
		t.Fatalf("expected 403 Forbidden for an unknown account, got %d", res.StatusCode)
	}
}

func TestAuthenticatorRejectsUnknownNonce(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil, testLogger())
	req := newRegisterRequest("198.51.100.1:5060")
	tx := newFakeServerTransaction()

	chal := &digest.Challenge{
		Realm:     "example.com",
		Nonce:     "never-issued",
		Opaque:    "signalrtc",
		Algorithm: authAlgoMD5,
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      "sip:example.com",
		Username: "1001",
		Password: "whatever",
	})
	if err != nil {
		t.Fatalf("digest.Digest: %v", err)
	}
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	if a.Authenticate(req, tx, "example.com", nil) {
		t.Fatal("expected Authenticate to fail for an unrecognised nonce")
	}
	res := tx.last()
	if res.StatusCode != 401 {
		t.Fatalf("expected a fresh 401 challenge for an unknown nonce, got %d", res.StatusCode)
	}
}

func TestAuthenticatorCleanExpiredNonces(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil, testLogger())
	a.nonces.Store("stale", time.Now().Add(-2*nonceExpiry))
	a.nonces.Store("fresh", time.Now())

	a.CleanExpiredNonces()

	if _, ok := a.nonces.Load("stale"); ok {
		t.Error("expected the stale nonce to be removed")
	}
	if _, ok := a.nonces.Load("fresh"); !ok {
		t.Error("expected the fresh nonce to remain")
	}
}
