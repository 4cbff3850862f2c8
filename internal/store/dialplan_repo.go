package store

import (
	"context"
	"database/sql"
	"fmt"
)

type dialplanRepo struct {
	db *DB
}

// NewDialplanRepository creates a DialplanRepository backed by SQLite.
func NewDialplanRepository(db *DB) DialplanRepository {
	return &dialplanRepo{db: db}
}

// Get returns the singleton "default" dialplan, or nil if it has never been
// saved.
func (r *dialplanRepo) Get(ctx context.Context) (*Dialplan, error) {
	var d Dialplan
	err := r.db.QueryRowContext(ctx,
		`SELECT name, script_source, last_update FROM dialplans WHERE name = 'default'`,
	).Scan(&d.Name, &d.ScriptSource, &d.LastUpdate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching dialplan: %w", err)
	}
	return &d, nil
}

// Put upserts the singleton dialplan record.
func (r *dialplanRepo) Put(ctx context.Context, d *Dialplan) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dialplans (name, script_source, last_update) VALUES ('default', ?, ?)
		 ON CONFLICT(name) DO UPDATE SET script_source = excluded.script_source, last_update = excluded.last_update`,
		d.ScriptSource, d.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("saving dialplan: %w", err)
	}
	return nil
}
