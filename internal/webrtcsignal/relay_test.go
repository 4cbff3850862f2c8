package webrtcsignal

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

// fakeSignalRepo is an in-memory stand-in for store.WebRTCSignalRepository,
// good enough to exercise the relay's purge-on-offer and delivered-once
// semantics without a real database.
type fakeSignalRepo struct {
	rows   []*store.WebRTCSignal
	nextID int64
}

func (f *fakeSignalRepo) Append(ctx context.Context, s *store.WebRTCSignal) error {
	f.nextID++
	s.ID = f.nextID
	f.rows = append(f.rows, s)
	return nil
}

func (f *fakeSignalRepo) PurgePair(ctx context.Context, from, to string) error {
	kept := f.rows[:0]
	for _, r := range f.rows {
		if (r.From == from && r.To == to) || (r.From == to && r.To == from) {
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return nil
}

func (f *fakeSignalRepo) NextUndelivered(ctx context.Context, to, from string, sigType store.WebRTCSignalType) (*store.WebRTCSignal, error) {
	var oldest *store.WebRTCSignal
	for _, r := range f.rows {
		if r.To != to || r.From != from || r.DeliveredAt != nil {
			continue
		}
		if sigType != "" && r.SignalType != sigType {
			continue
		}
		if oldest == nil || r.Inserted.Before(oldest.Inserted) {
			oldest = r
		}
	}
	return oldest, nil
}

func (f *fakeSignalRepo) MarkDelivered(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	for _, r := range f.rows {
		if r.ID == id {
			r.DeliveredAt = &now
		}
	}
	return nil
}

func (f *fakeSignalRepo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	for _, r := range f.rows {
		if r.DeliveredAt == nil {
			count++
		}
	}
	return count, nil
}

func TestRelayPutAndGetSDP(t *testing.T) {
	repo := &fakeSignalRepo{}
	r := New(repo, testLogger())
	ctx := context.Background()

	if err := r.PutSDP(ctx, "alice", "bob", `{"type":"offer","sdp":"v=0"}`); err != nil {
		t.Fatalf("PutSDP: %v", err)
	}

	body, found, err := r.GetNext(ctx, "bob", "alice", store.WebRTCSignalSDP)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if !found {
		t.Fatal("expected a pending message")
	}
	if body != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("body = %q, want the stored offer", body)
	}

	_, found, err = r.GetNext(ctx, "bob", "alice", store.WebRTCSignalSDP)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if found {
		t.Fatal("expected the mailbox to be empty after delivery")
	}
}

func TestRelayReofferPurgesPriorMessages(t *testing.T) {
	repo := &fakeSignalRepo{}
	r := New(repo, testLogger())
	ctx := context.Background()

	if err := r.PutSDP(ctx, "alice", "bob", `{"type":"offer","sdp":"offer1"}`); err != nil {
		t.Fatalf("PutSDP offer1: %v", err)
	}
	if err := r.PutICE(ctx, "alice", "bob", `{"candidate":"ice1"}`); err != nil {
		t.Fatalf("PutICE ice1: %v", err)
	}
	if err := r.PutSDP(ctx, "alice", "bob", `{"type":"offer","sdp":"offer2"}`); err != nil {
		t.Fatalf("PutSDP offer2: %v", err)
	}

	body, found, err := r.GetNext(ctx, "bob", "alice", "")
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if !found {
		t.Fatal("expected offer2 to be visible")
	}
	if body != `{"type":"offer","sdp":"offer2"}` {
		t.Errorf("body = %q, want offer2", body)
	}

	_, found, err = r.GetNext(ctx, "bob", "alice", "")
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if found {
		t.Fatal("expected ice1 and offer1 to have been purged by the re-offer")
	}
}

func TestRelayGetNextEmptyMailbox(t *testing.T) {
	repo := &fakeSignalRepo{}
	r := New(repo, testLogger())

	_, found, err := r.GetNext(context.Background(), "bob", "alice", "")
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if found {
		t.Fatal("expected no message for an empty mailbox")
	}
}

func TestRelayPendingCount(t *testing.T) {
	repo := &fakeSignalRepo{}
	r := New(repo, testLogger())
	ctx := context.Background()

	r.PutICE(ctx, "alice", "bob", `{"candidate":"ice1"}`)
	r.PutICE(ctx, "alice", "bob", `{"candidate":"ice2"}`)

	count, err := r.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("PendingCount() = %d, want 2", count)
	}

	r.GetNext(ctx, "bob", "alice", "")
	count, err = r.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("PendingCount() = %d, want 1 after one delivery", count)
	}
}
