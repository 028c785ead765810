// Package credential resolves account secrets. Secrets never live in
// the config file or the local store.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/koesterlab/remail/internal/model"
)

// Secret fields.
const (
	FieldEmail    = "email"
	FieldPassword = "password"
	FieldUsername = "username"
	FieldHost     = "host"
)

// Backend names accepted by New.
const (
	BackendKeyring = "keyring"
	BackendEnv     = "env"
)

// ErrNotFound is returned when a secret is neither stored nor derivable
// from the account record.
var ErrNotFound = errors.New("secret not found")

// SecretStore resolves the connection secrets of an account.
type SecretStore interface {
	GetEmail(acct model.Account) (string, error)
	GetPassword(acct model.Account) (string, error)
	GetUsername(acct model.Account) (string, error)
	GetHost(acct model.Account) (string, error)
}

// New opens the secret store selected by backend. envFiles are loaded
// by the env backend only.
func New(backend string, envFiles ...string) (SecretStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendKeyring:
		return OpenKeyring(KeyringConfig{})
	case BackendEnv:
		return NewEnv(envFiles...)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", backend)
	}
}

// lookupFunc returns a stored field; ok is false when nothing is stored.
type lookupFunc func(accountID, field string) (value string, ok bool, err error)

// resolve returns the stored field, falling back to what the account
// record carries.
func resolve(lookup lookupFunc, acct model.Account, field string) (string, error) {
	v, ok, err := lookup(acct.ID, field)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	if fb := fallback(acct, field); fb != "" {
		return fb, nil
	}
	return "", fmt.Errorf("%s for account %s: %w", field, acct.ID, ErrNotFound)
}

func fallback(acct model.Account, field string) string {
	switch field {
	case FieldEmail:
		return acct.Address
	case FieldUsername:
		if acct.Kind == model.BackendExchange && acct.Extra != "" {
			return acct.Extra
		}
		return acct.Address
	case FieldHost:
		if acct.Kind == model.BackendIMAP {
			return acct.Extra
		}
	}
	return ""
}
