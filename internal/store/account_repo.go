package store

import (
	"context"
	"database/sql"
	"fmt"
)

type accountRepo struct {
	db *DB
}

// NewAccountRepository creates an AccountRepository backed by SQLite.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

const accountColumns = `id, domain_id, username, ha1_digest, disabled, inserted`

func (r *accountRepo) GetByUsernameAndDomain(ctx context.Context, username string, domainID int64) (*Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = ? AND domain_id = ?`,
		username, domainID,
	))
}

func (r *accountRepo) GetByID(ctx context.Context, id int64) (*Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id,
	))
}

// UpdateHA1 replaces an account's stored digest. Per the open question
// carried from the original system, every write path to the stored
// credential goes through this single hashing boundary — there is no
// plaintext-password overload to accidentally bypass it.
func (r *accountRepo) UpdateHA1(ctx context.Context, accountID int64, ha1Digest string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET ha1_digest = ? WHERE id = ?`, ha1Digest, accountID)
	if err != nil {
		return fmt.Errorf("updating account ha1: %w", err)
	}
	return nil
}

func (r *accountRepo) scanOne(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.DomainID, &a.Username, &a.HA1Digest, &a.Disabled, &a.Inserted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}
