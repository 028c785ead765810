package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/koesterlab/remail/internal/model"
)

// GetContact returns the contact for address, creating it on first
// reference. A name fills in an empty stored name; a stored name is
// never overwritten.
func (s *SQLiteStore) GetContact(ctx context.Context, address, name string) (model.Contact, error) {
	var c model.Contact
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		c, err = resolveContact(ctx, tx, address, name)
		return err
	})
	return c, err
}

func resolveContact(ctx context.Context, tx *sqlx.Tx, address, name string) (model.Contact, error) {
	address = strings.TrimSpace(address)
	name = strings.TrimSpace(name)
	if address == "" {
		return model.Contact{}, fmt.Errorf("contact address must not be empty")
	}

	var c model.Contact
	err := tx.GetContext(ctx, &c, "SELECT id, address, name FROM contacts WHERE address = ?", address)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c = model.Contact{ID: uuid.New().String(), Address: address, Name: name}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO contacts (id, address, name) VALUES (?, ?, ?)",
			c.ID, c.Address, c.Name,
		)
		if err != nil {
			return model.Contact{}, fmt.Errorf("creating contact %s: %w", address, err)
		}
		return c, nil
	case err != nil:
		return model.Contact{}, fmt.Errorf("getting contact %s: %w", address, err)
	}

	if c.Name == "" && name != "" {
		if _, err := tx.ExecContext(ctx, "UPDATE contacts SET name = ? WHERE id = ?", name, c.ID); err != nil {
			return model.Contact{}, fmt.Errorf("naming contact %s: %w", address, err)
		}
		c.Name = name
	}
	return c, nil
}
