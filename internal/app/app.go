// Package app wires configuration, secrets, adapters and the local
// store together. It serves the direct user actions (send, mark,
// delete) and builds the sync coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/credential"
	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/source"
	"github.com/koesterlab/remail/internal/store"
	appsync "github.com/koesterlab/remail/internal/sync"
)

// App holds the long-lived components of one remail instance.
type App struct {
	Config      *model.AppConfig
	Store       store.Store
	Secrets     credential.SecretStore
	Attachments *attachment.Store

	// Factory builds adapters; defaults to NewClient.
	Factory appsync.Factory
}

// New creates an App. The attachment store follows the storage config.
func New(cfg *model.AppConfig, st store.Store, secrets credential.SecretStore) (*App, error) {
	atts, err := attachment.NewStore(cfg.Storage.AttachmentDir, cfg.Storage.MaxAttachmentBytes)
	if err != nil {
		return nil, fmt.Errorf("opening attachment store: %w", err)
	}
	a := &App{
		Config:      cfg,
		Store:       st,
		Secrets:     secrets,
		Attachments: atts,
	}
	a.Factory = a.NewClient
	return a, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Coordinator returns a sync coordinator configured from the sync
// section.
func (a *App) Coordinator() *appsync.Coordinator {
	sc := a.Config.Sync
	return &appsync.Coordinator{
		Store:           a.Store,
		Secrets:         a.Secrets,
		Factory:         a.Factory,
		Attachments:     a.Attachments,
		Workers:         sc.Workers,
		AccountTimeout:  seconds(sc.AccountTimeoutSec),
		BreakerFailures: uint32(max(sc.BreakerFailures, 0)),
		BreakerCooldown: seconds(sc.BreakerCooldownSec),
	}
}

// SyncAccounts mirrors the enabled configured accounts into the store
// and removes stored accounts that are no longer configured or enabled.
func (a *App) SyncAccounts(ctx context.Context) error {
	wanted := make(map[string]bool, len(a.Config.Accounts))
	for _, ac := range a.Config.Accounts {
		if !ac.Enabled {
			continue
		}
		acct, err := ac.Account()
		if err != nil {
			return err
		}
		if err := a.Store.UpsertAccount(ctx, acct); err != nil {
			return err
		}
		wanted[acct.ID] = true
	}

	stored, err := a.Store.GetAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acct := range stored {
		if wanted[acct.ID] {
			continue
		}
		if err := a.Store.DeleteAccount(ctx, acct.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		log.Info().Str("module", "app").Str("account", acct.ID).Msg("Removed unconfigured account")
	}
	return nil
}

// withClient runs fn against a logged-in adapter for the account and
// always logs out afterwards.
func (a *App) withClient(
	ctx context.Context, accountID, op string, fn func(source.Client) error,
) error {
	acct, err := a.Store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	client, err := a.Factory(*acct, a.Secrets)
	if err != nil {
		return source.Normalize(op, err)
	}
	if err := client.Login(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Debug().Str("module", "app").Str("account", accountID).Err(err).Msg("Logout failed")
		}
	}()
	return fn(client)
}

// Send sends msg from the account. Errors are returned to the caller as
// *source.Error values.
func (a *App) Send(ctx context.Context, accountID string, msg *model.Message) error {
	return a.withClient(ctx, accountID, "send", func(c source.Client) error {
		return c.SendEmail(ctx, msg)
	})
}

// Mark sets the read flag remotely, then on the local copy.
func (a *App) Mark(ctx context.Context, accountID, id string, read bool) error {
	id = message.CanonicalID(id)
	err := a.withClient(ctx, accountID, "mark", func(c source.Client) error {
		return c.MarkEmail(ctx, id, read)
	})
	if err != nil {
		return err
	}

	local, err := a.Store.GetEmail(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	local.Read = read
	return a.Store.UpsertEmails(ctx, []model.Message{*local})
}

// Delete deletes the message remotely, then locally.
func (a *App) Delete(ctx context.Context, accountID, id string, hard bool) error {
	id = message.CanonicalID(id)
	err := a.withClient(ctx, accountID, "delete", func(c source.Client) error {
		return c.DeleteEmail(ctx, id, hard)
	})
	if err != nil {
		return err
	}
	if err := a.Store.DeleteEmail(ctx, id); err != nil {
		return err
	}
	if err := a.Attachments.Remove(id); err != nil {
		log.Warn().Str("module", "app").Str("id", id).Err(err).Msg("Could not remove attachments")
	}
	return nil
}
