package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/koesterlab/remail/internal/model"
)

type messageRow struct {
	ID            string         `db:"id"`
	Subject       string         `db:"subject"`
	Body          string         `db:"body"`
	HTML          string         `db:"html"`
	Date          time.Time      `db:"date"`
	Read          int            `db:"read"`
	SenderID      sql.NullString `db:"sender_id"`
	SenderAddress sql.NullString `db:"sender_address"`
	SenderName    sql.NullString `db:"sender_name"`
}

type recipientRow struct {
	ID      string `db:"id"`
	Address string `db:"address"`
	Name    string `db:"name"`
	Kind    string `db:"kind"`
}

const selectMessages = `
	SELECT m.id, m.subject, m.body, m.html, m.date, m.read, m.sender_id,
		c.address AS sender_address, c.name AS sender_name
	FROM messages m
	LEFT JOIN contacts c ON c.id = m.sender_id`

// GetEmails retrieves messages matching the filter, newest first.
func (s *SQLiteStore) GetEmails(ctx context.Context, filter EmailFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	if filter.Sender != nil {
		conditions = append(conditions, "c.address = ?")
		args = append(args, strings.TrimSpace(*filter.Sender))
	}
	if filter.Recipient != nil {
		conditions = append(conditions, `EXISTS (
			SELECT 1 FROM recipients r JOIN contacts rc ON rc.id = r.contact_id
			WHERE r.message_id = m.id AND rc.address = ?)`)
		args = append(args, strings.TrimSpace(*filter.Recipient))
	}

	query := selectMessages
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY m.date DESC, m.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := s.loadMessage(ctx, row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// GetEmail retrieves a single message by its Message-Id.
func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, selectMessages+" WHERE m.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	msg, err := s.loadMessage(ctx, row)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// loadMessage completes a row with its recipients and attachments.
func (s *SQLiteStore) loadMessage(ctx context.Context, row messageRow) (model.Message, error) {
	msg := model.Message{
		ID:      row.ID,
		Subject: row.Subject,
		Body:    row.Body,
		Date:    row.Date.UTC(),
		Read:    row.Read != 0,
		Sender: model.Contact{
			ID:      row.SenderID.String,
			Address: row.SenderAddress.String,
			Name:    row.SenderName.String,
		},
	}
	if row.HTML != "" {
		if err := json.Unmarshal([]byte(row.HTML), &msg.HTML); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling html of %s: %w", row.ID, err)
		}
	}

	var recipients []recipientRow
	err := s.db.SelectContext(ctx, &recipients, `
		SELECT c.id, c.address, c.name, r.kind
		FROM recipients r JOIN contacts c ON c.id = r.contact_id
		WHERE r.message_id = ?
		ORDER BY r.position`, row.ID)
	if err != nil {
		return model.Message{}, fmt.Errorf("loading recipients of %s: %w", row.ID, err)
	}
	for _, r := range recipients {
		msg.Recipients = append(msg.Recipients, model.Recipient{
			Contact: model.Contact{ID: r.ID, Address: r.Address, Name: r.Name},
			Kind:    model.RecipientKind(r.Kind),
		})
	}

	err = s.db.SelectContext(ctx, &msg.Attachments, `
		SELECT filename, path, size, mime_type AS mimetype
		FROM attachments WHERE message_id = ?
		ORDER BY position`, row.ID)
	if err != nil {
		return model.Message{}, fmt.Errorf("loading attachments of %s: %w", row.ID, err)
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}

	return msg, nil
}

// MessageIDsForAddress returns the ids of messages where address is the
// sender or any recipient.
func (s *SQLiteStore) MessageIDsForAddress(ctx context.Context, address string) ([]string, error) {
	address = strings.TrimSpace(address)
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT m.id FROM messages m JOIN contacts c ON c.id = m.sender_id
		WHERE c.address = ?
		UNION
		SELECT r.message_id FROM recipients r JOIN contacts c ON c.id = r.contact_id
		WHERE c.address = ?
		ORDER BY 1`, address, address)
	if err != nil {
		return nil, fmt.Errorf("querying message ids for %s: %w", address, err)
	}
	return ids, nil
}

func (s *SQLiteStore) AttachmentMessageIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT message_id FROM attachments ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("querying attachment owners: %w", err)
	}
	return ids, nil
}

// UpsertEmails inserts or replaces a batch of messages, keyed by
// Message-Id. Referenced contacts are created on demand.
func (s *SQLiteStore) UpsertEmails(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range msgs {
			if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertMessage(ctx context.Context, tx *sqlx.Tx, msg *model.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("message id must not be empty")
	}

	var senderID sql.NullString
	if msg.Sender.Address != "" {
		sender, err := resolveContact(ctx, tx, msg.Sender.Address, msg.Sender.Name)
		if err != nil {
			return err
		}
		senderID = sql.NullString{String: sender.ID, Valid: true}
	}

	html := msg.HTML
	if html == nil {
		html = []string{}
	}
	htmlJSON, err := json.Marshal(html)
	if err != nil {
		return fmt.Errorf("marshaling html of %s: %w", msg.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, subject, body, html, date, read, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			subject = excluded.subject,
			body = excluded.body,
			html = excluded.html,
			date = excluded.date,
			read = excluded.read,
			fetched_at = excluded.fetched_at`,
		msg.ID, senderID, msg.Subject, msg.Body, string(htmlJSON),
		msg.Date.UTC(), boolToInt(msg.Read), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", msg.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM recipients WHERE message_id = ?", msg.ID); err != nil {
		return fmt.Errorf("clearing recipients of %s: %w", msg.ID, err)
	}
	for i, r := range msg.Recipients {
		if strings.TrimSpace(r.Contact.Address) == "" {
			continue
		}
		c, err := resolveContact(ctx, tx, r.Contact.Address, r.Contact.Name)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO recipients (message_id, contact_id, kind, position)
			VALUES (?, ?, ?, ?)`,
			msg.ID, c.ID, string(r.Kind), i,
		)
		if err != nil {
			return fmt.Errorf("adding recipient %s to %s: %w", r.Contact.Address, msg.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_id = ?", msg.ID); err != nil {
		return fmt.Errorf("clearing attachments of %s: %w", msg.ID, err)
	}
	for i, a := range msg.Attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, position, filename, path, size, mime_type)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, i, a.Filename, a.Path, a.Size, a.MIMEType,
		)
		if err != nil {
			return fmt.Errorf("adding attachment %s to %s: %w", a.Filename, msg.ID, err)
		}
	}

	return nil
}

// DeleteEmail removes a message with its recipients and attachment
// records. Deleting an unknown id is not an error.
func (s *SQLiteStore) DeleteEmail(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting message %s: %w", id, err)
		}
		return nil
	})
}

// PurgeEmails removes every stored message. Contacts and accounts are
// kept.
func (s *SQLiteStore) PurgeEmails(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages"); err != nil {
			return fmt.Errorf("purging messages: %w", err)
		}
		return nil
	})
}

// ApplyRefresh commits one account refresh: deletions, upserts and the
// cursor advance happen in a single transaction.
func (s *SQLiteStore) ApplyRefresh(ctx context.Context, res RefreshResult) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range res.Deleted {
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
				return fmt.Errorf("deleting message %s: %w", id, err)
			}
		}
		for i := range res.Upserts {
			if err := upsertMessage(ctx, tx, &res.Upserts[i]); err != nil {
				return err
			}
		}
		return setCursor(ctx, tx, res.AccountID, res.Cursor)
	})
}
