package model

import (
	"fmt"
	"strings"
	"time"
)

// BackendKind identifies which protocol family serves an account.
type BackendKind string

const (
	BackendIMAP     BackendKind = "imap"
	BackendExchange BackendKind = "exchange"
)

// ParseBackendKind converts a configuration string into a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(s))) {
	case BackendIMAP:
		return BackendIMAP, nil
	case BackendExchange, "ews":
		return BackendExchange, nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", s)
	}
}

// Account is a configured remote mailbox.
type Account struct {
	// ID is the stable identifier used for secrets and store rows.
	ID string `json:"id"`

	// Address is the account's own email address.
	Address string `json:"address"`

	// Kind selects the adapter.
	Kind BackendKind `json:"kind"`

	// Extra is the host for IMAP accounts and the login principal for
	// Exchange accounts.
	Extra string `json:"extra"`

	// LastRefresh is the refresh cursor. It is only advanced by the sync
	// coordinator after a successful refresh of this account.
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}
