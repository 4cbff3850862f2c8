package sip

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/signalrtc/internal/store"
)

const (
	minBindingExpiry      = 60 // seconds
	maxBindingExpiry      = 86400
	maxBindingsPerAccount = 10
	expirySweepPeriod     = 5 * time.Second
)

// ContactUpdate is one Contact header's worth of registration input to the
// Binding Manager's update operation.
type ContactUpdate struct {
	ContactURI string
	Expires    int
}

// BindingManager owns the durable (account, contact-URI) -> expiry mapping
// and its background expiry sweep.
type BindingManager struct {
	repo   store.BindingRepository
	logger *slog.Logger
}

// NewBindingManager creates a Binding Manager backed by repo.
func NewBindingManager(repo store.BindingRepository, logger *slog.Logger) *BindingManager {
	return &BindingManager{repo: repo, logger: logger.With("subsystem", "binding")}
}

// ClampExpiry applies the [MIN_BINDING_EXPIRY, MAX_BINDING_EXPIRY] policy.
// It returns the clamped value and, if the requested value was nonzero but
// below the minimum, a sipError the caller should respond with (423 with
// Min-Expires) instead of proceeding.
func ClampExpiry(requested int) (int, *sipError) {
	if requested == 0 {
		return 0, nil
	}
	if requested < minBindingExpiry {
		return 0, intervalTooBriefErr(minBindingExpiry)
	}
	if requested > maxBindingExpiry {
		return maxBindingExpiry, nil
	}
	return requested, nil
}

// Update applies one REGISTER's worth of contact updates for accountID.
// For each contact: refresh an existing binding's expiry/sockets, insert a
// new one, or — when expires is 0 — remove the matching binding. Eviction
// of the oldest binding is applied whenever the account would otherwise
// exceed MAX_BINDINGS_PER_ACCOUNT. Returns the account's bindings after the
// update.
func (m *BindingManager) Update(ctx context.Context, accountID int64, contacts []ContactUpdate, userAgent, remoteSocket, proxySocket, registrarSocket string) ([]store.RegistrarBinding, error) {
	now := time.Now().UTC()

	for _, c := range contacts {
		if c.Expires == 0 {
			existing, err := m.repo.GetByAccountAndContact(ctx, accountID, c.ContactURI)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				if err := m.repo.Delete(ctx, existing.ID); err != nil {
					return nil, err
				}
			}
			continue
		}

		existing, err := m.repo.GetByAccountAndContact(ctx, accountID, c.ContactURI)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			count, err := m.repo.CountForAccount(ctx, accountID)
			if err != nil {
				return nil, err
			}
			if count >= maxBindingsPerAccount {
				oldest, err := m.repo.OldestForAccount(ctx, accountID)
				if err != nil {
					return nil, err
				}
				if oldest != nil {
					if err := m.repo.Delete(ctx, oldest.ID); err != nil {
						return nil, err
					}
					m.logger.Info("evicted oldest binding on overflow", "account_id", accountID, "contact", oldest.ContactURI)
				}
			}
		}

		b := store.RegistrarBinding{
			AccountID:       accountID,
			ContactURI:      c.ContactURI,
			UserAgent:       userAgent,
			Expiry:          c.Expires,
			ExpiryTime:      now.Add(time.Duration(c.Expires) * time.Second),
			RemoteSocket:    remoteSocket,
			ProxySocket:     proxySocket,
			RegistrarSocket: registrarSocket,
			LastUpdate:      now,
		}
		if err := m.repo.Upsert(ctx, &b); err != nil {
			return nil, err
		}
	}

	return m.repo.GetForAccount(ctx, accountID)
}

// GetForAccount returns the current bindings for accountID.
func (m *BindingManager) GetForAccount(ctx context.Context, accountID int64) ([]store.RegistrarBinding, error) {
	return m.repo.GetForAccount(ctx, accountID)
}

// RunExpirySweep periodically deletes bindings whose expiry has passed.
// Runs until ctx is cancelled.
func (m *BindingManager) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(expirySweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := m.repo.DeleteExpired(ctx, time.Now().Unix())
			if err != nil {
				m.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				m.logger.Debug("expired bindings swept", "count", deleted)
			}
		}
	}
}
