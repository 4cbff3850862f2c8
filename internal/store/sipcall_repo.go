package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type sipCallRepo struct {
	db *DB
}

// NewSIPCallRepository creates a SIPCallRepository backed by SQLite.
func NewSIPCallRepository(db *DB) SIPCallRepository {
	return &sipCallRepo{db: db}
}

const sipCallColumns = `id, cdr_id, local_tag, remote_tag, call_id, cseq, bridge_id,
	remote_target, local_user_field, remote_user_field, route_set, direction, remote_socket`

func (r *sipCallRepo) Create(ctx context.Context, c *SIPCall) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sip_calls (cdr_id, local_tag, remote_tag, call_id, cseq, bridge_id,
		 remote_target, local_user_field, remote_user_field, route_set, direction, remote_socket)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CDRID, c.LocalTag, c.RemoteTag, c.CallID, c.CSeq, c.BridgeID,
		c.RemoteTarget, c.LocalUserField, c.RemoteUserField, c.RouteSet, c.Direction, c.RemoteSocket,
	)
	if err != nil {
		return fmt.Errorf("inserting sip call leg: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

func (r *sipCallRepo) GetByCallID(ctx context.Context, callID string) (*SIPCall, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sipCallColumns+` FROM sip_calls WHERE call_id = ? LIMIT 1`, callID)
	c, err := scanSIPCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *sipCallRepo) GetByBridgeID(ctx context.Context, bridgeID string) ([]SIPCall, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sipCallColumns+` FROM sip_calls WHERE bridge_id = ?`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("querying sip call legs: %w", err)
	}
	defer rows.Close()

	var out []SIPCall
	for rows.Next() {
		c, err := scanSIPCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCSeq stores the sequence number a leg last sent, so the next
// forwarded in-dialog request increments from it.
func (r *sipCallRepo) UpdateCSeq(ctx context.Context, id int64, cseq int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sip_calls SET cseq = ? WHERE id = ?`, cseq, id)
	if err != nil {
		return fmt.Errorf("updating sip call cseq: %w", err)
	}
	return nil
}

func (r *sipCallRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sip_calls WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting sip call leg: %w", err)
	}
	return nil
}

func scanSIPCall(row rowScanner) (SIPCall, error) {
	var c SIPCall
	err := row.Scan(&c.ID, &c.CDRID, &c.LocalTag, &c.RemoteTag, &c.CallID, &c.CSeq, &c.BridgeID,
		&c.RemoteTarget, &c.LocalUserField, &c.RemoteUserField, &c.RouteSet, &c.Direction, &c.RemoteSocket)
	if err != nil {
		return SIPCall{}, err
	}
	return c, nil
}
