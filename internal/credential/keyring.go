package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/koesterlab/remail/internal/model"
)

const serviceName = "remail"

// KeyringConfig configures OpenKeyring. Zero values select defaults.
type KeyringConfig struct {
	ServiceName string
	FileDir     string
}

// Keyring stores secrets in the system keyring under
// "<account-id>/<field>".
type Keyring struct {
	ring keyring.Keyring
}

var _ SecretStore = (*Keyring)(nil)

// OpenKeyring returns a keyring-backed secret store.
func OpenKeyring(cfg KeyringConfig) (*Keyring, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}
	if cfg.FileDir == "" {
		cfg.FileDir = defaultFileDir()
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("remail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func defaultFileDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "~/.config/remail/credentials"
	}
	return filepath.Join(dir, "remail", "credentials")
}

func key(accountID, field string) string {
	return accountID + "/" + field
}

func (k *Keyring) lookup(accountID, field string) (string, bool, error) {
	item, err := k.ring.Get(key(accountID, field))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting credential %q: %w", key(accountID, field), err)
	}
	return string(item.Data), true, nil
}

// GetEmail returns the stored address or the account's own.
func (k *Keyring) GetEmail(acct model.Account) (string, error) {
	return resolve(k.lookup, acct, FieldEmail)
}

// GetPassword returns the stored password. There is no fallback.
func (k *Keyring) GetPassword(acct model.Account) (string, error) {
	return resolve(k.lookup, acct, FieldPassword)
}

// GetUsername returns the stored login principal, else the Exchange
// principal from the account record, else the address.
func (k *Keyring) GetUsername(acct model.Account) (string, error) {
	return resolve(k.lookup, acct, FieldUsername)
}

// GetHost returns the stored host or the IMAP host of the account.
func (k *Keyring) GetHost(acct model.Account) (string, error) {
	return resolve(k.lookup, acct, FieldHost)
}

// Set stores one field of an account.
func (k *Keyring) Set(accountID, field, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   key(accountID, field),
		Data:  []byte(value),
		Label: "remail " + accountID + " " + field,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key(accountID, field), err)
	}
	return nil
}

// SetPassword stores the password of an account.
func (k *Keyring) SetPassword(accountID, password string) error {
	return k.Set(accountID, FieldPassword, password)
}

// Delete removes every stored field of an account.
func (k *Keyring) Delete(accountID string) error {
	for _, field := range []string{FieldEmail, FieldPassword, FieldUsername, FieldHost} {
		err := k.ring.Remove(key(accountID, field))
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", key(accountID, field), err)
		}
	}
	return nil
}
