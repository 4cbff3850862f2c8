package sip

import (
	"context"
	"testing"

	"github.com/flowpbx/signalrtc/internal/store"
)

type fakeDomainRepo struct {
	domains []store.Domain
}

func (f *fakeDomainRepo) List(ctx context.Context) ([]store.Domain, error) {
	return f.domains, nil
}

func TestNewDomainRegistryFailsWithNoDomains(t *testing.T) {
	_, err := NewDomainRegistry(context.Background(), &fakeDomainRepo{})
	if err == nil {
		t.Fatal("expected an error when no domains are configured")
	}
}

func TestDomainRegistryResolvesNameAndAlias(t *testing.T) {
	repo := &fakeDomainRepo{domains: []store.Domain{
		{ID: 1, Name: "Example.com", Aliases: []string{"Alt.Example.com"}},
	}}
	reg, err := NewDomainRegistry(context.Background(), repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := reg.Canonicalise("example.com"); got != "Example.com" {
		t.Errorf("Canonicalise(example.com) = %q, want Example.com", got)
	}
	if got := reg.Canonicalise("ALT.EXAMPLE.COM"); got != "Example.com" {
		t.Errorf("Canonicalise(ALT.EXAMPLE.COM) = %q, want Example.com", got)
	}
	if got := reg.Canonicalise("unknown.example.com"); got != "" {
		t.Errorf("Canonicalise(unknown.example.com) = %q, want empty", got)
	}

	id, name, ok := reg.Resolve("alt.example.com")
	if !ok || id != 1 || name != "Example.com" {
		t.Errorf("Resolve(alt.example.com) = (%d, %q, %v), want (1, Example.com, true)", id, name, ok)
	}

	if _, _, ok := reg.Resolve("nope.example.com"); ok {
		t.Error("expected Resolve to report not-ok for an unowned host")
	}
}

func TestDomainRegistryFirstAliasWins(t *testing.T) {
	repo := &fakeDomainRepo{domains: []store.Domain{
		{ID: 1, Name: "first.example.com", Aliases: []string{"shared.example.com"}},
		{ID: 2, Name: "second.example.com", Aliases: []string{"shared.example.com"}},
	}}
	reg, err := NewDomainRegistry(context.Background(), repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := reg.Canonicalise("shared.example.com"); got != "first.example.com" {
		t.Errorf("Canonicalise(shared.example.com) = %q, want first.example.com (first domain wins)", got)
	}
}
