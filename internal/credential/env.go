package credential

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/koesterlab/remail/internal/model"
)

const envPrefix = "REMAIL"

// Env reads secrets from environment variables named
// REMAIL_<ACCOUNT-ID>_<FIELD>, e.g. REMAIL_WORK_PASSWORD.
type Env struct {
	lookupEnv func(string) (string, bool)
}

var _ SecretStore = (*Env)(nil)

// NewEnv returns an environment-backed secret store. The given .env
// files are loaded first; variables already set take precedence.
func NewEnv(files ...string) (*Env, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("loading env files: %w", err)
		}
	}
	return &Env{lookupEnv: os.LookupEnv}, nil
}

// EnvName returns the variable holding field for an account.
func EnvName(accountID, field string) string {
	var b strings.Builder
	b.WriteString(envPrefix + "_")
	for _, r := range strings.ToUpper(accountID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_" + strings.ToUpper(field))
	return b.String()
}

func (e *Env) lookup(accountID, field string) (string, bool, error) {
	v, ok := e.lookupEnv(EnvName(accountID, field))
	return v, ok, nil
}

func (e *Env) GetEmail(acct model.Account) (string, error) {
	return resolve(e.lookup, acct, FieldEmail)
}

func (e *Env) GetPassword(acct model.Account) (string, error) {
	return resolve(e.lookup, acct, FieldPassword)
}

func (e *Env) GetUsername(acct model.Account) (string, error) {
	return resolve(e.lookup, acct, FieldUsername)
}

func (e *Env) GetHost(acct model.Account) (string, error) {
	return resolve(e.lookup, acct, FieldHost)
}
