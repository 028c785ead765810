package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AccountConfig holds the connection settings for a single account.
// Secrets never live here; they are resolved through the secret store.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Address is the mailbox address.
	Address string `mapstructure:"address" yaml:"address"`

	// Kind is "imap" or "exchange".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// Enabled controls whether the account takes part in refreshes.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the IMAP server host (IMAP accounts).
	Host string `mapstructure:"host" yaml:"host"`

	// Username is the login principal (Exchange accounts; optional for
	// IMAP where it defaults to the address).
	Username string `mapstructure:"username" yaml:"username"`

	IMAPPort     int    `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost     string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPStartTLS bool   `mapstructure:"smtp_starttls" yaml:"smtp_starttls"`

	// EWSURL is the Exchange Web Services endpoint. Empty means
	// autodiscover.
	EWSURL string `mapstructure:"ews_url" yaml:"ews_url"`

	// Auth is "basic", "ntlm" or "oauth2" (Exchange accounts).
	Auth     string `mapstructure:"auth" yaml:"auth"`
	TenantID string `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

// Account converts the configuration entry into an Account record.
func (c AccountConfig) Account() (Account, error) {
	kind, err := ParseBackendKind(c.Kind)
	if err != nil {
		return Account{}, fmt.Errorf("account %s: %w", c.ID, err)
	}
	extra := c.Host
	if kind == BackendExchange {
		extra = c.Username
	}
	return Account{
		ID:      c.ID,
		Address: c.Address,
		Kind:    kind,
		Extra:   extra,
	}, nil
}

// SyncConfig controls the refresh coordinator.
type SyncConfig struct {
	Workers            int `mapstructure:"workers" yaml:"workers"`
	IntervalSec        int `mapstructure:"interval_sec" yaml:"interval_sec"`
	AccountTimeoutSec  int `mapstructure:"account_timeout_sec" yaml:"account_timeout_sec"`
	CallTimeoutSec     int `mapstructure:"call_timeout_sec" yaml:"call_timeout_sec"`
	BreakerFailures    int `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldownSec int `mapstructure:"breaker_cooldown_sec" yaml:"breaker_cooldown_sec"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	DBPath             string `mapstructure:"db_path" yaml:"db_path"`
	AttachmentDir      string `mapstructure:"attachment_dir" yaml:"attachment_dir"`
	MaxAttachmentBytes int64  `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
}

// SecretsConfig selects the secret store backend ("keyring" or "env").
type SecretsConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Storage  StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Secrets  SecretsConfig   `mapstructure:"secrets" yaml:"secrets"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultMaxAttachmentBytes is the attachment size ceiling (10 MiB).
const DefaultMaxAttachmentBytes int64 = 10 << 20

// DefaultConfigPath returns ~/.config/remail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "remail", "config.yaml")
}

func defaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "remail-data")
	}
	return filepath.Join(dir, "remail")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	data := defaultDataDir()
	return &AppConfig{
		Accounts: []AccountConfig{},
		Sync: SyncConfig{
			Workers:            4,
			IntervalSec:        300,
			AccountTimeoutSec:  300,
			CallTimeoutSec:     30,
			BreakerFailures:    3,
			BreakerCooldownSec: 600,
		},
		Storage: StorageConfig{
			DBPath:             filepath.Join(data, "remail.db"),
			AttachmentDir:      filepath.Join(data, "attachments"),
			MaxAttachmentBytes: DefaultMaxAttachmentBytes,
		},
		Secrets: SecretsConfig{Backend: "keyring"},
		Log:     LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.interval_sec", d.Sync.IntervalSec)
	v.SetDefault("sync.account_timeout_sec", d.Sync.AccountTimeoutSec)
	v.SetDefault("sync.call_timeout_sec", d.Sync.CallTimeoutSec)
	v.SetDefault("sync.breaker_failures", d.Sync.BreakerFailures)
	v.SetDefault("sync.breaker_cooldown_sec", d.Sync.BreakerCooldownSec)
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("storage.attachment_dir", d.Storage.AttachmentDir)
	v.SetDefault("storage.max_attachment_bytes", d.Storage.MaxAttachmentBytes)
	v.SetDefault("secrets.backend", d.Secrets.Backend)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// REMAIL_* environment variables override file values (for example
// REMAIL_SYNC_WORKERS). If the file does not exist, defaults are returned.
func LoadConfig(path string) (*AppConfig, error) {
	defaults := defaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("remail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, defaults)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if !a.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				a.Enabled = true
			}
		}
		applyAccountDefaults(a)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyAccountDefaults(a *AccountConfig) {
	if a.ID == "" {
		a.ID = a.Address
	}
	if a.IMAPPort == 0 {
		a.IMAPPort = 993
	}
	if a.SMTPHost == "" {
		a.SMTPHost = a.Host
	}
	if a.SMTPPort == 0 {
		a.SMTPPort = 465
		if a.SMTPStartTLS {
			a.SMTPPort = 587
		}
	}
	if a.Auth == "" {
		a.Auth = "basic"
	}
}

// Validate checks that every account is usable.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Address == "" {
			return fmt.Errorf("account %q: address is required", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("account %q: duplicate id", a.ID)
		}
		seen[a.ID] = true

		kind, err := ParseBackendKind(a.Kind)
		if err != nil {
			return fmt.Errorf("account %q: %w", a.ID, err)
		}
		switch kind {
		case BackendIMAP:
			if a.Host == "" {
				return fmt.Errorf("account %q: host is required for imap", a.ID)
			}
		case BackendExchange:
			switch a.Auth {
			case "basic", "ntlm":
			case "oauth2":
				if a.TenantID == "" || a.ClientID == "" {
					return fmt.Errorf(
						"account %q: oauth2 needs tenant_id and client_id", a.ID,
					)
				}
			default:
				return fmt.Errorf("account %q: unknown auth %q", a.ID, a.Auth)
			}
		}
	}
	if c.Sync.Workers < 1 {
		c.Sync.Workers = 1
	}
	if c.Storage.MaxAttachmentBytes <= 0 {
		c.Storage.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	return nil
}

// AccountByID returns the configuration entry for id.
func (c *AppConfig) AccountByID(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)
	v.Set("storage", cfg.Storage)
	v.Set("secrets", cfg.Secrets)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
