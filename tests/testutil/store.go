package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount stores an account and fails the test on error.
func SeedAccount(t *testing.T, s store.Store, acct model.Account) {
	t.Helper()
	if err := s.UpsertAccount(context.Background(), acct); err != nil {
		t.Fatalf("seeding account %s: %v", acct.ID, err)
	}
}

// Message builds a message from sender to the given recipients.
func Message(id, from string, date time.Time, to ...string) model.Message {
	msg := model.Message{
		ID:      id,
		Sender:  model.Contact{Address: from},
		Subject: "subject " + id,
		Body:    "body " + id,
		Date:    date.UTC(),
	}
	for _, addr := range to {
		msg.Recipients = append(msg.Recipients, model.Recipient{
			Contact: model.Contact{Address: addr},
			Kind:    model.RecipientTo,
		})
	}
	return msg
}
