package store

import "context"

// DomainRepository loads the set of owned domains. Read-heavy, write-once
// at startup.
type DomainRepository interface {
	List(ctx context.Context) ([]Domain, error)
}

// AccountRepository resolves accounts by (username, domainId) and supports
// password updates for the admin-facing password-change path.
type AccountRepository interface {
	GetByUsernameAndDomain(ctx context.Context, username string, domainID int64) (*Account, error)
	GetByID(ctx context.Context, id int64) (*Account, error)
	UpdateHA1(ctx context.Context, accountID int64, ha1Digest string) error
}

// BindingRepository persists RegistrarBinding rows.
type BindingRepository interface {
	GetForAccount(ctx context.Context, accountID int64) ([]RegistrarBinding, error)
	GetByAccountAndContact(ctx context.Context, accountID int64, contactURI string) (*RegistrarBinding, error)
	Upsert(ctx context.Context, b *RegistrarBinding) error
	Delete(ctx context.Context, id int64) error
	CountForAccount(ctx context.Context, accountID int64) (int, error)
	OldestForAccount(ctx context.Context, accountID int64) (*RegistrarBinding, error)
	DeleteExpired(ctx context.Context, now int64) (int64, error)
	CountActive(ctx context.Context, now int64) (int64, error)
}

// DialplanRepository manages the singleton "default" dialplan record.
type DialplanRepository interface {
	Get(ctx context.Context) (*Dialplan, error)
	Put(ctx context.Context, d *Dialplan) error
}

// CDRRepository persists call detail records.
type CDRRepository interface {
	Create(ctx context.Context, c *CDR) error
	GetByCallID(ctx context.Context, callID string) (*CDR, error)
	Update(ctx context.Context, c *CDR) error
}

// SIPCallRepository persists bridged-dialog legs.
type SIPCallRepository interface {
	Create(ctx context.Context, c *SIPCall) error
	GetByCallID(ctx context.Context, callID string) (*SIPCall, error)
	GetByBridgeID(ctx context.Context, bridgeID string) ([]SIPCall, error)
	UpdateCSeq(ctx context.Context, id int64, cseq int) error
	Delete(ctx context.Context, id int64) error
}

// WebRTCSignalRepository persists the WebRTC store-and-forward mailbox.
type WebRTCSignalRepository interface {
	Append(ctx context.Context, s *WebRTCSignal) error
	PurgePair(ctx context.Context, from, to string) error
	NextUndelivered(ctx context.Context, to, from string, sigType WebRTCSignalType) (*WebRTCSignal, error)
	MarkDelivered(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int64, error)
}
