package store

import (
	"context"
	"database/sql"
	"fmt"
)

type webRTCSignalRepo struct {
	db *DB
}

// NewWebRTCSignalRepository creates a WebRTCSignalRepository backed by
// SQLite.
func NewWebRTCSignalRepository(db *DB) WebRTCSignalRepository {
	return &webRTCSignalRepo{db: db}
}

// Append stores a new signal message. Callers are responsible for calling
// PurgePair first when the message is an SDP offer: a fresh offer
// supersedes anything still queued for either direction of the pair.
func (r *webRTCSignalRepo) Append(ctx context.Context, s *WebRTCSignal) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webrtc_signals (from_id, to_id, signal_type, body, inserted)
		 VALUES (?, ?, ?, ?, ?)`,
		s.From, s.To, string(s.SignalType), s.Body, s.Inserted,
	)
	if err != nil {
		return fmt.Errorf("inserting webrtc signal: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	s.ID = id
	return nil
}

// PurgePair deletes every queued message between from and to, in either
// direction, regardless of signal type.
func (r *webRTCSignalRepo) PurgePair(ctx context.Context, from, to string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM webrtc_signals
		 WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)`,
		from, to, to, from,
	)
	if err != nil {
		return fmt.Errorf("purging webrtc signal pair: %w", err)
	}
	return nil
}

// NextUndelivered returns the oldest undelivered message addressed "to"
// from "from" of the given type, or nil if the mailbox is empty. An empty
// sigType matches any signal type, for the "any" variant of the relay's
// GET endpoint. It does not mark the message delivered; the caller does
// that with MarkDelivered (the relay's GetNext marks it right after the
// fetch, before the HTTP response is written).
func (r *webRTCSignalRepo) NextUndelivered(ctx context.Context, to, from string, sigType WebRTCSignalType) (*WebRTCSignal, error) {
	query := `SELECT id, from_id, to_id, signal_type, body, inserted, delivered_at
		 FROM webrtc_signals
		 WHERE to_id = ? AND from_id = ? AND delivered_at IS NULL`
	args := []any{to, from}
	if sigType != "" {
		query += ` AND signal_type = ?`
		args = append(args, string(sigType))
	}
	query += ` ORDER BY inserted ASC LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, args...)
	s, err := scanWebRTCSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountPending reports the number of undelivered messages across every
// pair, for metrics.
func (r *webRTCSignalRepo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webrtc_signals WHERE delivered_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending webrtc signals: %w", err)
	}
	return count, nil
}

func (r *webRTCSignalRepo) MarkDelivered(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webrtc_signals SET delivered_at = datetime('now') WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("marking webrtc signal delivered: %w", err)
	}
	return nil
}

func scanWebRTCSignal(row rowScanner) (WebRTCSignal, error) {
	var s WebRTCSignal
	var sigType string
	err := row.Scan(&s.ID, &s.From, &s.To, &sigType, &s.Body, &s.Inserted, &s.DeliveredAt)
	if err != nil {
		return WebRTCSignal{}, err
	}
	s.SignalType = WebRTCSignalType(sigType)
	return s, nil
}
