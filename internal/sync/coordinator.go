// Package sync keeps the local store in step with the remote mailboxes.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/credential"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/source"
	"github.com/koesterlab/remail/internal/store"
)

// Defaults for zero Coordinator fields.
const (
	DefaultWorkers         = 4
	DefaultAccountTimeout  = 5 * time.Minute
	DefaultBreakerFailures = 3
	DefaultBreakerCooldown = 5 * time.Minute
)

// Factory builds an unauthenticated adapter for an account.
type Factory func(acct model.Account, secrets credential.SecretStore) (source.Client, error)

// AccountResult is the outcome of refreshing one account.
type AccountResult struct {
	AccountID string
	Fetched   int
	Deleted   int
	Duration  time.Duration
	// Skipped is set when the circuit breaker rejected the attempt.
	Skipped bool
	// Err is a *source.Error, or nil on success.
	Err error
}

// Report summarises one refresh pass.
type Report struct {
	Started time.Time
	Hard    bool
	Results []AccountResult
	// Err is set when the pass could not start, e.g. the account list
	// was unreadable or the purge of a hard refresh failed.
	Err error
}

// Failed returns the results carrying an error.
func (r Report) Failed() []AccountResult {
	var out []AccountResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Coordinator refreshes every account through its adapter. Accounts are
// isolated: a failing account is reported and never blocks the others,
// and none of its partial state is committed.
type Coordinator struct {
	Store   store.Store
	Secrets credential.SecretStore
	Factory Factory

	Workers         int
	AccountTimeout  time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Attachments, when set, is pruned after every refresh of files no
	// stored message refers to.
	Attachments *attachment.Store

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	mu       gosync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	// inflight is held shared by account refreshes and exclusively by
	// the attachment prune.
	inflight gosync.RWMutex
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Refresh fetches what is new since each account's cursor and removes
// what disappeared remotely.
func (c *Coordinator) Refresh(ctx context.Context) Report {
	return c.refreshAll(ctx, false)
}

// HardRefresh purges every stored message, then refreshes all accounts
// ignoring their cursors.
func (c *Coordinator) HardRefresh(ctx context.Context) Report {
	if err := c.Store.PurgeEmails(ctx); err != nil {
		log.Error().Str("module", "sync").Err(err).Msg("Purge before hard refresh failed")
		return Report{Started: c.now(), Hard: true, Err: fmt.Errorf("purging messages: %w", err)}
	}
	return c.refreshAll(ctx, true)
}

// RefreshAccount refreshes a single account and returns its error.
func (c *Coordinator) RefreshAccount(ctx context.Context, id string, full bool) error {
	acct, err := c.Store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	err = c.refreshAccount(ctx, *acct, full).Err
	c.pruneAttachments(ctx)
	return err
}

func (c *Coordinator) refreshAll(ctx context.Context, full bool) Report {
	report := Report{Started: c.now(), Hard: full}

	accounts, err := c.Store.GetAccounts(ctx)
	if err != nil {
		report.Err = fmt.Errorf("loading accounts: %w", err)
		log.Error().Str("module", "sync").Err(err).Msg("Could not load accounts")
		return report
	}

	workers := c.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	results := make([]AccountResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, acct := range accounts {
		g.Go(func() error {
			results[i] = c.refreshAccount(ctx, acct, full)
			return nil
		})
	}
	_ = g.Wait()
	c.pruneAttachments(ctx)

	report.Results = results
	log.Info().Str("module", "sync").
		Bool("hard", full).
		Int("accounts", len(results)).
		Int("failed", len(report.Failed())).
		Dur("took", time.Since(report.Started)).
		Msg("Refresh finished")
	return report
}

func (c *Coordinator) breaker(id string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breakers == nil {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	if cb, ok := c.breakers[id]; ok {
		return cb
	}

	failures := c.BreakerFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	cooldown := c.BreakerCooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    id,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only an unreachable server counts against the breaker.
		IsSuccessful: func(err error) bool {
			return !source.IsKind(err, source.ServerConnectionFail)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("module", "sync").Str("account", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker changed state")
		},
	})
	c.breakers[id] = cb
	return cb
}

func (c *Coordinator) refreshAccount(ctx context.Context, acct model.Account, full bool) AccountResult {
	const op = "refresh"

	start := time.Now()
	res := AccountResult{AccountID: acct.ID}
	logger := log.With().Str("module", "sync").Str("account", acct.ID).Logger()

	_, err := c.breaker(acct.ID).Execute(func() (interface{}, error) {
		fetched, deleted, err := c.syncAccount(ctx, acct, full)
		res.Fetched, res.Deleted = fetched, deleted
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		res.Skipped = true
		err = source.NewError(source.ServerConnectionFail, op, err)
	}
	res.Err = source.Normalize(op, err)
	res.Duration = time.Since(start)

	switch {
	case res.Skipped:
		logger.Warn().Err(res.Err).Msg("Skipped account")
	case res.Err != nil:
		logger.Error().Err(res.Err).Str("kind", source.KindOf(res.Err).String()).Msg("Refresh failed")
	default:
		logger.Info().Int("fetched", res.Fetched).Int("deleted", res.Deleted).
			Dur("took", res.Duration).Msg("Refreshed account")
	}
	return res
}

// syncAccount runs one account refresh and commits it atomically. The
// store is untouched unless every step succeeds.
func (c *Coordinator) syncAccount(ctx context.Context, acct model.Account, full bool) (int, int, error) {
	c.inflight.RLock()
	defer c.inflight.RUnlock()

	timeout := c.AccountTimeout
	if timeout <= 0 {
		timeout = DefaultAccountTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.now()

	client, err := c.Factory(acct, c.Secrets)
	if err != nil {
		return 0, 0, err
	}
	if err := client.Login(ctx); err != nil {
		return 0, 0, err
	}

	loggedOut := false
	logout := func() {
		if loggedOut {
			return
		}
		loggedOut = true
		if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Debug().Str("module", "sync").Str("account", acct.ID).Err(err).Msg("Logout failed")
		}
	}
	defer logout()

	known, err := c.Store.MessageIDsForAddress(ctx, acct.Address)
	if err != nil {
		return 0, 0, fmt.Errorf("loading known ids: %w", err)
	}

	var since *time.Time
	if !full {
		since = acct.LastRefresh
	}
	msgs, err := client.GetEmails(ctx, since)
	if err != nil {
		return 0, 0, err
	}
	deleted, err := client.GetDeletedEmails(ctx, known)
	if err != nil {
		return 0, 0, err
	}
	logout()

	err = c.Store.ApplyRefresh(ctx, store.RefreshResult{
		AccountID: acct.ID,
		Deleted:   deleted,
		Upserts:   msgs,
		Cursor:    started,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("committing refresh: %w", err)
	}
	return len(msgs), len(deleted), nil
}

// pruneAttachments removes attachment files that no stored message
// refers to: those of failed refreshes, of fetched messages that were
// not kept, and of deleted or purged mail.
func (c *Coordinator) pruneAttachments(ctx context.Context) {
	if c.Attachments == nil {
		return
	}
	c.inflight.Lock()
	defer c.inflight.Unlock()

	logger := log.With().Str("module", "sync").Logger()
	keep, err := c.Store.AttachmentMessageIDs(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not list attachment owners")
		return
	}
	removed, err := c.Attachments.Prune(keep)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not prune attachments")
	}
	if removed > 0 {
		logger.Debug().Int("removed", removed).Msg("Pruned attachment directories")
	}
}
