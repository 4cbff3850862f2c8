package store

import (
	"context"
	"fmt"
)

type domainRepo struct {
	db *DB
}

// NewDomainRepository creates a DomainRepository backed by SQLite.
func NewDomainRepository(db *DB) DomainRepository {
	return &domainRepo{db: db}
}

// List returns every owned domain with its aliases, ordered by name.
func (r *domainRepo) List(ctx context.Context) ([]Domain, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM domains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying domains: %w", err)
	}
	defer rows.Close()

	var domains []Domain
	for rows.Next() {
		var d Domain
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("scanning domain row: %w", err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range domains {
		aliases, err := r.aliasesFor(ctx, domains[i].ID)
		if err != nil {
			return nil, err
		}
		domains[i].Aliases = aliases
	}
	return domains, nil
}

func (r *domainRepo) aliasesFor(ctx context.Context, domainID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT alias FROM domain_aliases WHERE domain_id = ?`, domainID)
	if err != nil {
		return nil, fmt.Errorf("querying domain aliases: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scanning alias row: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}
