package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type bindingRepo struct {
	db *DB
}

// NewBindingRepository creates a BindingRepository backed by SQLite.
func NewBindingRepository(db *DB) BindingRepository {
	return &bindingRepo{db: db}
}

const bindingColumns = `id, account_id, contact_uri, user_agent, expiry, expiry_time,
	remote_socket, proxy_socket, registrar_socket, last_update`

func (r *bindingRepo) GetForAccount(ctx context.Context, accountID int64) ([]RegistrarBinding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM registrar_bindings WHERE account_id = ? ORDER BY last_update`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var out []RegistrarBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *bindingRepo) GetByAccountAndContact(ctx context.Context, accountID int64, contactURI string) (*RegistrarBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM registrar_bindings WHERE account_id = ? AND contact_uri = ?`,
		accountID, contactURI,
	)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Upsert inserts a new binding or refreshes an existing one matching
// (account_id, contact_uri)
func (r *bindingRepo) Upsert(ctx context.Context, b *RegistrarBinding) error {
	existing, err := r.GetByAccountAndContact(ctx, b.AccountID, b.ContactURI)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := r.db.ExecContext(ctx,
			`UPDATE registrar_bindings SET user_agent = ?, expiry = ?, expiry_time = ?,
			 remote_socket = ?, proxy_socket = ?, registrar_socket = ?, last_update = ?
			 WHERE id = ?`,
			b.UserAgent, b.Expiry, b.ExpiryTime, b.RemoteSocket, b.ProxySocket,
			b.RegistrarSocket, b.LastUpdate, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("refreshing binding: %w", err)
		}
		b.ID = existing.ID
		return nil
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO registrar_bindings
		 (account_id, contact_uri, user_agent, expiry, expiry_time,
		  remote_socket, proxy_socket, registrar_socket, last_update)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.AccountID, b.ContactURI, b.UserAgent, b.Expiry, b.ExpiryTime,
		b.RemoteSocket, b.ProxySocket, b.RegistrarSocket, b.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	b.ID = id
	return nil
}

func (r *bindingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM registrar_bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	return nil
}

func (r *bindingRepo) CountForAccount(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrar_bindings WHERE account_id = ?`, accountID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting bindings: %w", err)
	}
	return count, nil
}

// OldestForAccount returns the binding with the earliest last_update for an
// account, used to evict on MAX_BINDINGS_PER_ACCOUNT overflow.
func (r *bindingRepo) OldestForAccount(ctx context.Context, accountID int64) (*RegistrarBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM registrar_bindings WHERE account_id = ?
		 ORDER BY last_update ASC LIMIT 1`,
		accountID,
	)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteExpired removes every binding whose expiry_time has passed, used by
// the background sweep loop.
func (r *bindingRepo) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM registrar_bindings WHERE expiry_time <= ?`,
		time.Unix(now, 0).UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired bindings: %w", err)
	}
	return result.RowsAffected()
}

// CountActive reports the number of bindings not yet expired as of now, for
// metrics.
func (r *bindingRepo) CountActive(ctx context.Context, now int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrar_bindings WHERE expiry_time > ?`,
		time.Unix(now, 0).UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active bindings: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (RegistrarBinding, error) {
	var b RegistrarBinding
	err := row.Scan(&b.ID, &b.AccountID, &b.ContactURI, &b.UserAgent, &b.Expiry, &b.ExpiryTime,
		&b.RemoteSocket, &b.ProxySocket, &b.RegistrarSocket, &b.LastUpdate)
	if err != nil {
		return RegistrarBinding{}, err
	}
	return b, nil
}
