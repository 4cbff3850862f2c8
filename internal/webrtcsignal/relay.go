// Package webrtcsignal implements the WebRTC signal relay: a
// durable store-and-forward mailbox for SDP offers/answers and ICE
// candidates exchanged between browser peers, plus the HTTP surface
// that fronts it.
package webrtcsignal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/signalrtc/internal/store"
)

// sdpEnvelope is the minimal shape the relay needs to inspect within an SDP
// body — just enough to recognise an offer and trigger the re-offer purge.
type sdpEnvelope struct {
	Type string `json:"type"`
}

// Relay is the business logic behind the WebRTC Signal Relay. It holds no
// state of its own; everything durable lives in the repository.
type Relay struct {
	signals store.WebRTCSignalRepository
	logger  *slog.Logger
}

// New creates a Relay backed by repo.
func New(repo store.WebRTCSignalRepository, logger *slog.Logger) *Relay {
	return &Relay{signals: repo, logger: logger.With("subsystem", "webrtcsignal")}
}

// PutSDP appends a new SDP message between from and to. If the body is a
// JSON offer, every existing message for either direction of the pair is
// purged first's re-offer rule: a fresh offer supersedes
// anything still queued, including the browser's own unanswered ICE
// candidates.
func (r *Relay) PutSDP(ctx context.Context, from, to, body string) error {
	var env sdpEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "offer" {
		if err := r.signals.PurgePair(ctx, from, to); err != nil {
			return fmt.Errorf("purging pair before new offer: %w", err)
		}
	}

	return r.append(ctx, from, to, store.WebRTCSignalSDP, body)
}

// PutICE appends a new ICE candidate message between from and to.
func (r *Relay) PutICE(ctx context.Context, from, to, body string) error {
	return r.append(ctx, from, to, store.WebRTCSignalICE, body)
}

func (r *Relay) append(ctx context.Context, from, to string, sigType store.WebRTCSignalType, body string) error {
	s := &store.WebRTCSignal{
		From:       from,
		To:         to,
		SignalType: sigType,
		Body:       body,
		Inserted:   time.Now().UTC(),
	}
	if err := r.signals.Append(ctx, s); err != nil {
		return fmt.Errorf("appending %s signal: %w", sigType, err)
	}
	return nil
}

// GetNext returns the oldest undelivered message addressed "to" from
// "from" matching sigType ("" meaning any type), marking it delivered
// before returning. It returns ("", false, nil) when the mailbox is empty,
//'s getNext contract.
func (r *Relay) GetNext(ctx context.Context, to, from string, sigType store.WebRTCSignalType) (string, bool, error) {
	s, err := r.signals.NextUndelivered(ctx, to, from, sigType)
	if err != nil {
		return "", false, fmt.Errorf("fetching next undelivered signal: %w", err)
	}
	if s == nil {
		return "", false, nil
	}
	if err := r.signals.MarkDelivered(ctx, s.ID); err != nil {
		r.logger.Error("failed to mark signal delivered", "error", err, "id", s.ID)
	}
	return s.Body, true, nil
}

// PendingCount reports the mailbox depth across every pair, for metrics
//.
func (r *Relay) PendingCount(ctx context.Context) (int64, error) {
	return r.signals.CountPending(ctx)
}
