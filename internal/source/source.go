package source

import (
	"context"
	"time"

	"github.com/koesterlab/remail/internal/model"
)

// DefaultCallTimeout bounds a single blocking network call.
const DefaultCallTimeout = 30 * time.Second

// Client defines the contract that every mailbox backend must implement.
// Apart from Kind, LoggedIn, Login and Logout every method requires an
// authenticated session and fails with NotLoggedIn otherwise. Returned
// errors are always *Error values.
type Client interface {
	// Kind returns the backend kind served by this client.
	Kind() model.BackendKind

	// LoggedIn reports whether a session is established.
	LoggedIn() bool

	// Login establishes the remote session. It is a no-op when the
	// client is already logged in.
	Login(ctx context.Context) error

	// Logout releases the remote session. It is safe to call when
	// already disconnected.
	Logout(ctx context.Context) error

	// SendEmail transmits msg from the account's own address.
	SendEmail(ctx context.Context, msg *model.Message) error

	// GetEmails returns every message in scope, or only those with a
	// timestamp at or after since when since is non-nil.
	GetEmails(ctx context.Context, since *time.Time) ([]model.Message, error)

	// GetDeletedEmails returns the subset of knownIDs that the server no
	// longer holds.
	GetDeletedEmails(ctx context.Context, knownIDs []string) ([]string, error)

	// MarkEmail sets or clears the read flag of the message with the
	// given Message-Id.
	MarkEmail(ctx context.Context, id string, read bool) error

	// DeleteEmail moves the message to the trash, or purges it when
	// hardDelete is true.
	DeleteEmail(ctx context.Context, id string, hardDelete bool) error
}

// Difference returns the entries of known that are absent from present,
// preserving order and dropping duplicates.
func Difference(known []string, present map[string]bool) []string {
	seen := make(map[string]bool, len(known))
	out := make([]string, 0)
	for _, id := range known {
		if seen[id] || present[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// NotBefore reports whether ts passes the local since check. Backend-side
// date filters are day-granular, so adapters re-check every candidate.
func NotBefore(ts time.Time, since *time.Time) bool {
	return since == nil || !ts.Before(*since)
}
