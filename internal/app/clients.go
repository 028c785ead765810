package app

import (
	"errors"
	"fmt"

	"github.com/koesterlab/remail/internal/credential"
	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/source"
	"github.com/koesterlab/remail/internal/source/email"
	"github.com/koesterlab/remail/internal/source/exchange"
)

// NewClient builds the adapter matching the account's backend kind.
// Connection settings come from the account config, secrets from the
// secret store.
func (a *App) NewClient(acct model.Account, secrets credential.SecretStore) (source.Client, error) {
	const op = "build client"

	ac, ok := a.Config.AccountByID(acct.ID)
	if !ok {
		ac = model.AccountConfig{ID: acct.ID, Address: acct.Address, Kind: string(acct.Kind)}
	}

	address, err := secrets.GetEmail(acct)
	if err != nil {
		return nil, secretError(op, err)
	}
	password, err := secrets.GetPassword(acct)
	if err != nil {
		return nil, secretError(op, err)
	}
	username, err := secrets.GetUsername(acct)
	if err != nil {
		return nil, secretError(op, err)
	}

	decoder := &message.Decoder{Attachments: a.Attachments}
	callTimeout := seconds(a.Config.Sync.CallTimeoutSec)

	switch acct.Kind {
	case model.BackendIMAP:
		host, err := secrets.GetHost(acct)
		if err != nil {
			return nil, secretError(op, err)
		}
		smtpHost := ac.SMTPHost
		if smtpHost == "" || smtpHost == ac.Host {
			smtpHost = host
		}
		return email.NewAdapter(email.Config{
			Address:      address,
			Username:     username,
			Password:     password,
			IMAPHost:     host,
			IMAPPort:     ac.IMAPPort,
			SMTPHost:     smtpHost,
			SMTPPort:     ac.SMTPPort,
			SMTPStartTLS: ac.SMTPStartTLS,
			CallTimeout:  callTimeout,
		}, decoder), nil

	case model.BackendExchange:
		return exchange.NewAdapter(exchange.Config{
			Address:     address,
			Username:    username,
			Password:    password,
			URL:         ac.EWSURL,
			Auth:        ac.Auth,
			TenantID:    ac.TenantID,
			ClientID:    ac.ClientID,
			CallTimeout: callTimeout,
		}, decoder), nil

	default:
		return nil, source.Errorf(source.UnknownError, op, "unknown backend kind %q", acct.Kind)
	}
}

// secretError maps a missing secret to InvalidLoginData; the account
// cannot log in without it.
func secretError(op string, err error) error {
	if errors.Is(err, credential.ErrNotFound) {
		return source.NewError(source.InvalidLoginData, op, err)
	}
	return source.NewError(source.UnknownError, op, fmt.Errorf("reading secrets: %w", err))
}
