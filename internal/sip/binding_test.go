package sip

import (
	"context"
	"testing"

	"github.com/flowpbx/signalrtc/internal/store"
)

// fakeBindingRepo is an in-memory stand-in for store.BindingRepository.
type fakeBindingRepo struct {
	nextID int64
	rows   map[int64]*store.RegistrarBinding
}

func newFakeBindingRepo() *fakeBindingRepo {
	return &fakeBindingRepo{rows: make(map[int64]*store.RegistrarBinding)}
}

func (f *fakeBindingRepo) GetForAccount(ctx context.Context, accountID int64) ([]store.RegistrarBinding, error) {
	var out []store.RegistrarBinding
	for _, b := range f.rows {
		if b.AccountID == accountID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBindingRepo) GetByAccountAndContact(ctx context.Context, accountID int64, contactURI string) (*store.RegistrarBinding, error) {
	for _, b := range f.rows {
		if b.AccountID == accountID && b.ContactURI == contactURI {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBindingRepo) Upsert(ctx context.Context, b *store.RegistrarBinding) error {
	for id, existing := range f.rows {
		if existing.AccountID == b.AccountID && existing.ContactURI == b.ContactURI {
			b.ID = id
			cp := *b
			f.rows[id] = &cp
			return nil
		}
	}
	f.nextID++
	b.ID = f.nextID
	cp := *b
	f.rows[f.nextID] = &cp
	return nil
}

func (f *fakeBindingRepo) Delete(ctx context.Context, id int64) error {
	delete(f.rows, id)
	return nil
}

func (f *fakeBindingRepo) CountForAccount(ctx context.Context, accountID int64) (int, error) {
	count := 0
	for _, b := range f.rows {
		if b.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (f *fakeBindingRepo) OldestForAccount(ctx context.Context, accountID int64) (*store.RegistrarBinding, error) {
	var oldest *store.RegistrarBinding
	for _, b := range f.rows {
		if b.AccountID != accountID {
			continue
		}
		if oldest == nil || b.LastUpdate.Before(oldest.LastUpdate) {
			cp := *b
			oldest = &cp
		}
	}
	return oldest, nil
}

func (f *fakeBindingRepo) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	var deleted int64
	for id, b := range f.rows {
		if b.ExpiryTime.Unix() <= now {
			delete(f.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeBindingRepo) CountActive(ctx context.Context, now int64) (int64, error) {
	var count int64
	for _, b := range f.rows {
		if b.ExpiryTime.Unix() > now {
			count++
		}
	}
	return count, nil
}

func TestClampExpiry(t *testing.T) {
	cases := []struct {
		name      string
		requested int
		want      int
		wantErr   bool
	}{
		{"zero passes through unchanged", 0, 0, false},
		{"below minimum is rejected", 30, 0, true},
		{"within range is unchanged", 3600, 3600, false},
		{"above maximum is clamped", 100000, maxBindingExpiry, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, sipErr := ClampExpiry(c.requested)
			if c.wantErr {
				if sipErr == nil {
					t.Fatal("expected a sipError for a too-brief expiry")
				}
				return
			}
			if sipErr != nil {
				t.Fatalf("unexpected error: %v", sipErr)
			}
			if got != c.want {
				t.Errorf("ClampExpiry(%d) = %d, want %d", c.requested, got, c.want)
			}
		})
	}
}

func TestBindingManagerUpdateInsertsAndRefreshes(t *testing.T) {
	repo := newFakeBindingRepo()
	m := NewBindingManager(repo, testLogger())
	ctx := context.Background()

	bindings, err := m.Update(ctx, 1, []ContactUpdate{{ContactURI: "sip:1001@10.0.0.5:5060", Expires: 3600}}, "phone-ua", "10.0.0.5:5060", "", "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("got %d bindings, want 1", len(bindings))
	}
	if bindings[0].Expiry != 3600 {
		t.Errorf("Expiry = %d, want 3600", bindings[0].Expiry)
	}

	bindings, err = m.Update(ctx, 1, []ContactUpdate{{ContactURI: "sip:1001@10.0.0.5:5060", Expires: 7200}}, "phone-ua", "10.0.0.5:5060", "", "")
	if err != nil {
		t.Fatalf("Update (refresh): %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("got %d bindings after refresh, want 1 (same contact should update in place)", len(bindings))
	}
	if bindings[0].Expiry != 7200 {
		t.Errorf("Expiry after refresh = %d, want 7200", bindings[0].Expiry)
	}
}

func TestBindingManagerUpdateRemovesOnZeroExpires(t *testing.T) {
	repo := newFakeBindingRepo()
	m := NewBindingManager(repo, testLogger())
	ctx := context.Background()

	_, err := m.Update(ctx, 1, []ContactUpdate{{ContactURI: "sip:1001@10.0.0.5:5060", Expires: 3600}}, "", "", "", "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	bindings, err := m.Update(ctx, 1, []ContactUpdate{{ContactURI: "sip:1001@10.0.0.5:5060", Expires: 0}}, "", "", "", "")
	if err != nil {
		t.Fatalf("Update (unregister): %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("got %d bindings after unregister, want 0", len(bindings))
	}
}

func TestBindingManagerUpdateEvictsOldestOnOverflow(t *testing.T) {
	repo := newFakeBindingRepo()
	m := NewBindingManager(repo, testLogger())
	ctx := context.Background()

	for i := 0; i < maxBindingsPerAccount; i++ {
		contact := "sip:1001@10.0.0." + string(rune('0'+i)) + ":5060"
		if _, err := m.Update(ctx, 1, []ContactUpdate{{ContactURI: contact, Expires: 3600}}, "", "", "", ""); err != nil {
			t.Fatalf("Update(%d): %v", i, err)
		}
	}

	count, _ := repo.CountForAccount(ctx, 1)
	if count != maxBindingsPerAccount {
		t.Fatalf("count before overflow = %d, want %d", count, maxBindingsPerAccount)
	}

	oldestURI, _ := repo.OldestForAccount(ctx, 1)
	if _, err := m.Update(ctx, 1, []ContactUpdate{{ContactURI: "sip:1001@10.0.0.new:5060", Expires: 3600}}, "", "", "", ""); err != nil {
		t.Fatalf("Update(overflow): %v", err)
	}

	count, _ = repo.CountForAccount(ctx, 1)
	if count != maxBindingsPerAccount {
		t.Fatalf("count after overflow = %d, want %d (oldest should be evicted)", count, maxBindingsPerAccount)
	}
	if existing, _ := repo.GetByAccountAndContact(ctx, 1, oldestURI.ContactURI); existing != nil {
		t.Error("expected the oldest binding to have been evicted")
	}
}

func TestBindingManagerGetForAccount(t *testing.T) {
	repo := newFakeBindingRepo()
	m := NewBindingManager(repo, testLogger())
	ctx := context.Background()

	m.Update(ctx, 1, []ContactUpdate{{ContactURI: "sip:a@10.0.0.1", Expires: 3600}}, "", "", "", "")
	m.Update(ctx, 2, []ContactUpdate{{ContactURI: "sip:b@10.0.0.2", Expires: 3600}}, "", "", "", "")

	bindings, err := m.GetForAccount(ctx, 1)
	if err != nil {
		t.Fatalf("GetForAccount: %v", err)
	}
	if len(bindings) != 1 || bindings[0].ContactURI != "sip:a@10.0.0.1" {
		t.Errorf("GetForAccount(1) = %+v, want only account 1's binding", bindings)
	}
}
