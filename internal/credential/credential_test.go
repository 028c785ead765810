package credential

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koesterlab/remail/internal/model"
)

var (
	imapAccount = model.Account{ID: "home", Address: "me@home.example", Kind: model.BackendIMAP, Extra: "imap.home.example"}
	ewsAccount  = model.Account{ID: "work", Address: "me@work.example", Kind: model.BackendExchange, Extra: `CORP\me`}
)

func TestKeyringFallbacks(t *testing.T) {
	k := NewKeyring(keyring.NewArrayKeyring(nil))

	email, err := k.GetEmail(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "me@home.example", email)

	host, err := k.GetHost(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "imap.home.example", host)

	user, err := k.GetUsername(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "me@home.example", user)

	user, err = k.GetUsername(ewsAccount)
	require.NoError(t, err)
	assert.Equal(t, `CORP\me`, user)

	_, err = k.GetHost(ewsAccount)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = k.GetPassword(imapAccount)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyringStoredValues(t *testing.T) {
	k := NewKeyring(keyring.NewArrayKeyring(nil))

	require.NoError(t, k.SetPassword("home", "s3cret"))
	require.NoError(t, k.Set("home", FieldHost, "mail.other.example"))

	pw, err := k.GetPassword(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	host, err := k.GetHost(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "mail.other.example", host)

	// Other accounts do not see the secret.
	_, err = k.GetPassword(ewsAccount)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.Delete("home"))
	require.NoError(t, k.Delete("home"))
	_, err = k.GetPassword(imapAccount)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "REMAIL_WORK_PASSWORD", EnvName("work", FieldPassword))
	assert.Equal(t, "REMAIL_MY_ACCOUNT_1_HOST", EnvName("my-account.1", FieldHost))
}

func TestEnvSecrets(t *testing.T) {
	t.Setenv("REMAIL_WORK_PASSWORD", "from-env")
	t.Setenv("REMAIL_WORK_USERNAME", "me@work.example")

	e, err := NewEnv()
	require.NoError(t, err)

	pw, err := e.GetPassword(ewsAccount)
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)

	user, err := e.GetUsername(ewsAccount)
	require.NoError(t, err)
	assert.Equal(t, "me@work.example", user)

	_, err = e.GetPassword(imapAccount)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REMAIL_HOME_PASSWORD=file-secret\nREMAIL_HOME_HOST=file.example\n"), 0o600))
	t.Setenv("REMAIL_HOME_HOST", "already-set.example")
	t.Cleanup(func() { os.Unsetenv("REMAIL_HOME_PASSWORD") })

	e, err := NewEnv(path)
	require.NoError(t, err)

	pw, err := e.GetPassword(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "file-secret", pw)

	host, err := e.GetHost(imapAccount)
	require.NoError(t, err)
	assert.Equal(t, "already-set.example", host)

	_, err = NewEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	s, err := New("env")
	require.NoError(t, err)
	assert.IsType(t, &Env{}, s)

	_, err = New("vault")
	assert.Error(t, err)
}
