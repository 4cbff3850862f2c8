package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a CDRRepository backed by SQLite.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

const cdrColumns = `id, direction, created, destination_uri, from_header, call_id,
	local_socket, remote_socket, bridge_id, progress_at, progress_status, progress_reason,
	ring_duration_ms, answered_at, answered_status, answered_reason, duration_ms,
	hungup_at, hungup_reason`

func (r *cdrRepo) Create(ctx context.Context, c *CDR) error {
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (direction, created, destination_uri, from_header, call_id,
		 local_socket, remote_socket, bridge_id, progress_status, ring_duration_ms,
		 answered_status, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0)`,
		c.Direction, c.Created, c.DestinationURI, c.FromHeader, c.CallID,
		c.LocalSocket, c.RemoteSocket, c.BridgeID,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*CDR, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ?`, callID)
	c, err := scanCDR(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *cdrRepo) Update(ctx context.Context, c *CDR) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cdrs SET bridge_id = ?, progress_at = ?, progress_status = ?, progress_reason = ?,
		 ring_duration_ms = ?, answered_at = ?, answered_status = ?, answered_reason = ?,
		 duration_ms = ?, hungup_at = ?, hungup_reason = ? WHERE id = ?`,
		c.BridgeID, c.ProgressAt, c.ProgressStatus, c.ProgressReason,
		c.RingDuration.Milliseconds(), c.AnsweredAt, c.AnsweredStatus, c.AnsweredReason,
		c.Duration.Milliseconds(), c.HungupAt, c.HungupReason, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cdr: %w", err)
	}
	return nil
}

func scanCDR(row rowScanner) (CDR, error) {
	var c CDR
	var ringMs, durMs int64
	err := row.Scan(&c.ID, &c.Direction, &c.Created, &c.DestinationURI, &c.FromHeader, &c.CallID,
		&c.LocalSocket, &c.RemoteSocket, &c.BridgeID, &c.ProgressAt, &c.ProgressStatus, &c.ProgressReason,
		&ringMs, &c.AnsweredAt, &c.AnsweredStatus, &c.AnsweredReason, &durMs,
		&c.HungupAt, &c.HungupReason)
	if err != nil {
		return CDR{}, err
	}
	c.RingDuration = msToDuration(ringMs)
	c.Duration = msToDuration(durMs)
	return c, nil
}
