package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/koesterlab/remail/internal/model"
)

type accountRow struct {
	ID          string     `db:"id"`
	Address     string     `db:"address"`
	Kind        string     `db:"kind"`
	Extra       string     `db:"extra"`
	LastRefresh *time.Time `db:"last_refresh"`
}

func (r accountRow) account() model.Account {
	a := model.Account{
		ID:      r.ID,
		Address: r.Address,
		Kind:    model.BackendKind(r.Kind),
		Extra:   r.Extra,
	}
	if r.LastRefresh != nil {
		t := r.LastRefresh.UTC()
		a.LastRefresh = &t
	}
	return a
}

// UpsertAccount inserts an account or updates its connection fields.
// The refresh cursor of an existing account is preserved.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct model.Account) error {
	if strings.TrimSpace(acct.ID) == "" {
		return fmt.Errorf("account id must not be empty")
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, address, kind, extra, last_refresh, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			kind = excluded.kind,
			extra = excluded.extra,
			updated_at = excluded.updated_at`,
		acct.ID, acct.Address, string(acct.Kind), acct.Extra,
		acct.LastRefresh, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acct.ID, err)
	}
	return nil
}

// GetAccounts retrieves all accounts ordered by id.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, address, kind, extra, last_refresh FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}

	accounts := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.account())
	}
	return accounts, nil
}

// GetAccount retrieves a single account by id.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, address, kind, extra, last_refresh FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	a := row.account()
	return &a, nil
}

// DeleteAccount removes an account. Its messages stay in the store.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRefreshCursor sets the refresh cursor of an account.
func (s *SQLiteStore) SetRefreshCursor(ctx context.Context, id string, ts time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return setCursor(ctx, tx, id, ts)
	})
}

func setCursor(ctx context.Context, tx *sqlx.Tx, id string, ts time.Time) error {
	result, err := tx.ExecContext(ctx,
		"UPDATE accounts SET last_refresh = ?, updated_at = ? WHERE id = ?",
		ts.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("advancing cursor of %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
