package store

import (
	"context"
	"errors"
	"time"

	"github.com/koesterlab/remail/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EmailFilter narrows message queries. Nil fields match everything.
// Addresses compare case-insensitively because contacts.address is
// declared COLLATE NOCASE.
type EmailFilter struct {
	Sender    *string // sender address
	Recipient *string // any to/cc/bcc address
	Limit     int
}

// RefreshResult is the outcome of one account refresh, applied
// atomically by ApplyRefresh.
type RefreshResult struct {
	AccountID string
	Deleted   []string
	Upserts   []model.Message
	Cursor    time.Time
}

// Store defines the persistence interface for accounts, contacts and
// messages.
type Store interface {
	// === Messages ===

	GetEmails(ctx context.Context, filter EmailFilter) ([]model.Message, error)
	GetEmail(ctx context.Context, id string) (*model.Message, error)
	MessageIDsForAddress(ctx context.Context, address string) ([]string, error)
	// AttachmentMessageIDs lists the messages that own stored attachments.
	AttachmentMessageIDs(ctx context.Context) ([]string, error)
	UpsertEmails(ctx context.Context, msgs []model.Message) error
	DeleteEmail(ctx context.Context, id string) error
	PurgeEmails(ctx context.Context) error
	ApplyRefresh(ctx context.Context, res RefreshResult) error

	// === Contacts ===

	GetContact(ctx context.Context, address, name string) (model.Contact, error)

	// === Accounts ===

	UpsertAccount(ctx context.Context, acct model.Account) error
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	SetRefreshCursor(ctx context.Context, id string, ts time.Time) error
}
