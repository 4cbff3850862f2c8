package sip

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowpbx/signalrtc/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDialplanRepo struct {
	dp *store.Dialplan
}

func (f *fakeDialplanRepo) Get(ctx context.Context) (*store.Dialplan, error) {
	return f.dp, nil
}

func (f *fakeDialplanRepo) Put(ctx context.Context, d *store.Dialplan) error {
	f.dp = d
	return nil
}

func TestDialplanEvaluatorLookupRoutes(t *testing.T) {
	repo := &fakeDialplanRepo{dp: &store.Dialplan{
		Name:         "default",
		ScriptSource: `fwd("sip:" + uasTx.DialledUser + "@upstream.example", uasTx.Body)`,
		LastUpdate:   time.Now(),
	}}
	eval := NewDialplanEvaluator(repo, testLogger())

	cd, err := eval.Lookup(context.Background(), UasTxInfo{DialledUser: "1001", Body: "v=0"}, FromAccountInfo{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cd == nil {
		t.Fatal("expected a call descriptor, got nil")
	}
	if cd.Destination != "sip:1001@upstream.example" {
		t.Errorf("Destination = %q, want sip:1001@upstream.example", cd.Destination)
	}
	if cd.Body != "v=0" {
		t.Errorf("Body = %q, want v=0", cd.Body)
	}
}

func TestDialplanEvaluatorNoRoute(t *testing.T) {
	repo := &fakeDialplanRepo{dp: &store.Dialplan{
		Name:         "default",
		ScriptSource: `nil`,
		LastUpdate:   time.Now(),
	}}
	eval := NewDialplanEvaluator(repo, testLogger())

	cd, err := eval.Lookup(context.Background(), UasTxInfo{DialledUser: "9999"}, FromAccountInfo{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cd != nil {
		t.Errorf("expected nil descriptor for a script with no route, got %+v", cd)
	}
}

func TestDialplanEvaluatorCompileErrorSurfaced(t *testing.T) {
	repo := &fakeDialplanRepo{dp: &store.Dialplan{
		Name:         "default",
		ScriptSource: `this is not valid expr syntax {{{`,
		LastUpdate:   time.Now(),
	}}
	eval := NewDialplanEvaluator(repo, testLogger())

	if err := eval.Warm(context.Background()); err == nil {
		t.Fatal("expected a compile error from Warm")
	}
	if eval.LastCompileError() == "" {
		t.Error("expected LastCompileError to be non-empty after a failed compile")
	}
}

func TestDialplanEvaluatorRecompilesOnChange(t *testing.T) {
	repo := &fakeDialplanRepo{dp: &store.Dialplan{
		Name:         "default",
		ScriptSource: `fwd("sip:old@upstream.example", "")`,
		LastUpdate:   time.Now().Add(-time.Hour),
	}}
	eval := NewDialplanEvaluator(repo, testLogger())

	if err := eval.Warm(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	repo.dp = &store.Dialplan{
		Name:         "default",
		ScriptSource: `fwd("sip:new@upstream.example", "")`,
		LastUpdate:   time.Now(),
	}

	cd, err := eval.Lookup(context.Background(), UasTxInfo{}, FromAccountInfo{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cd == nil || cd.Destination != "sip:new@upstream.example" {
		t.Errorf("expected recompiled dialplan to route to sip:new@upstream.example, got %+v", cd)
	}
}
