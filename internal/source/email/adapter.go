// Package email implements source.Client for IMAP mailboxes with SMTP
// submission.
package email

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/source"
)

// excludedAttrs mark folders outside the fetch and deletion scope.
var excludedAttrs = []imap.MailboxAttr{
	imap.MailboxAttrHasChildren,
	imap.MailboxAttrDrafts,
	imap.MailboxAttrJunk,
	imap.MailboxAttrNoSelect,
	imap.MailboxAttrAll,
	imap.MailboxAttrTrash,
}

// trashNames are tried in order when no folder carries \Trash.
var trashNames = []string{"Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"}

// Adapter implements source.Client for IMAP/SMTP accounts. Calls on one
// adapter are serialised.
type Adapter struct {
	cfg         Config
	decoder     *message.Decoder
	attachments *attachment.Store
	dial        dialFunc
	send        sendFunc
	log         zerolog.Logger

	mu   sync.Mutex
	conn mailboxConn
}

var _ source.Client = (*Adapter)(nil)

// NewAdapter creates an adapter for one account. Inbound attachments are
// written through decoder; outbound ones are read through the decoder's
// attachment store.
func NewAdapter(cfg Config, decoder *message.Decoder) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = source.DefaultCallTimeout
	}
	if cfg.IMAPPort == 0 {
		cfg.IMAPPort = 993
	}
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = cfg.IMAPHost
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 465
		if cfg.SMTPStartTLS {
			cfg.SMTPPort = 587
		}
	}
	if decoder == nil {
		decoder = &message.Decoder{}
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Address
	}
	return &Adapter{
		cfg:         cfg,
		decoder:     decoder,
		attachments: decoder.Attachments,
		dial:        dialIMAP,
		send:        sendSMTP,
		log: log.With().
			Str("module", "imap").
			Str("account", cfg.Address).
			Logger(),
	}
}

// Kind returns model.BackendIMAP.
func (a *Adapter) Kind() model.BackendKind { return model.BackendIMAP }

// LoggedIn reports whether an IMAP session is open.
func (a *Adapter) LoggedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Login connects and authenticates. It does nothing when a session is
// already open.
func (a *Adapter) Login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return nil
	}
	if a.cfg.Password == "" {
		return source.Errorf(source.InvalidLoginData, "imap login", "no password for %s", a.cfg.Username)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	conn, err := a.dial(ctx, a.cfg)
	if err != nil {
		return source.Normalize("imap login", err, source.ClassifyIMAPLogin)
	}
	a.conn = conn
	a.log.Debug().Msg("Logged in")
	return nil
}

// Logout closes the session. The session is dropped even when the
// server does not answer.
func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	conn := a.conn
	a.conn = nil

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	if err := conn.Logout(ctx); err != nil {
		a.log.Debug().Err(err).Msg("Logout failed")
		return source.Normalize("imap logout", err, source.ClassifyIMAP)
	}
	return nil
}

// session returns the open connection or NotLoggedIn. Callers hold mu.
func (a *Adapter) session(op string) (mailboxConn, error) {
	if a.conn == nil {
		return nil, source.NewError(source.NotLoggedIn, op, nil)
	}
	return a.conn, nil
}

// call runs one blocking IMAP call under the per-call timeout.
func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// folders returns the selectable folders in scope.
func (a *Adapter) folders(ctx context.Context, conn mailboxConn) ([]folder, error) {
	var all []folder
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		all, err = conn.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	scope := make([]folder, 0, len(all))
	for _, f := range all {
		if !hasAnyAttr(f.Attrs, excludedAttrs) {
			scope = append(scope, f)
		}
	}
	return scope, nil
}

// trashFolder resolves the soft-delete target.
func (a *Adapter) trashFolder(ctx context.Context, conn mailboxConn) (string, error) {
	var all []folder
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		all, err = conn.List(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	for _, f := range all {
		if hasAnyAttr(f.Attrs, []imap.MailboxAttr{imap.MailboxAttrTrash}) {
			return f.Name, nil
		}
	}
	for _, name := range trashNames {
		for _, f := range all {
			if strings.EqualFold(f.Name, name) {
				return f.Name, nil
			}
		}
	}
	return "", source.Errorf(source.CommandNotSupported, "imap delete", "no trash folder")
}

func hasAnyAttr(attrs, want []imap.MailboxAttr) bool {
	for _, have := range attrs {
		for _, w := range want {
			if strings.EqualFold(string(have), string(w)) {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) selectFolder(ctx context.Context, conn mailboxConn, name string) error {
	return a.call(ctx, func(ctx context.Context) error {
		return conn.Select(ctx, name)
	})
}

func (a *Adapter) search(
	ctx context.Context, conn mailboxConn, criteria *imap.SearchCriteria,
) ([]imap.UID, error) {
	var uids []imap.UID
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		uids, err = conn.Search(ctx, criteria)
		return err
	})
	return uids, err
}

// fetchBatch is the number of messages requested per FETCH. Each batch
// gets its own call timeout.
const fetchBatch = 50

func (a *Adapter) fetch(
	ctx context.Context, conn mailboxConn, uids []imap.UID, headersOnly bool,
) ([]fetched, error) {
	out := make([]fetched, 0, len(uids))
	for start := 0; start < len(uids); start += fetchBatch {
		batch := uids[start:min(start+fetchBatch, len(uids))]
		err := a.call(ctx, func(ctx context.Context) error {
			got, err := conn.Fetch(ctx, batch, headersOnly)
			out = append(out, got...)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetEmails fetches every in-scope message, or those at or after since.
// SEARCH SINCE is day-granular, so candidates are re-checked locally.
func (a *Adapter) GetEmails(ctx context.Context, since *time.Time) ([]model.Message, error) {
	const op = "imap get emails"

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.session(op)
	if err != nil {
		return nil, err
	}

	folders, err := a.folders(ctx, conn)
	if err != nil {
		return nil, source.Normalize(op, err, source.ClassifyIMAP)
	}

	criteria := &imap.SearchCriteria{}
	if since != nil {
		criteria.Since = *since
	}

	seen := make(map[string]bool)
	var out []model.Message
	for _, f := range folders {
		if err := a.selectFolder(ctx, conn, f.Name); err != nil {
			return nil, source.Normalize(op, err, source.ClassifyIMAP)
		}
		uids, err := a.search(ctx, conn, criteria)
		if err != nil {
			return nil, source.Normalize(op, err, source.ClassifyIMAP)
		}
		if len(uids) == 0 {
			continue
		}

		msgs, err := a.fetch(ctx, conn, uids, false)
		if err != nil {
			return nil, source.Normalize(op, err, source.ClassifyIMAP)
		}
		for _, m := range msgs {
			decoded, err := a.decoder.Decode(m.Raw, message.DecodeOptions{
				FallbackDate: m.InternalDate,
				Read:         m.seen(),
			})
			if err != nil {
				a.log.Warn().Err(err).Str("folder", f.Name).Uint32("uid", uint32(m.UID)).
					Msg("Skipped undecodable message")
				continue
			}
			if !source.NotBefore(decoded.Date, since) || seen[decoded.ID] {
				continue
			}
			seen[decoded.ID] = true
			out = append(out, *decoded)
		}
	}

	a.log.Debug().Int("count", len(out)).Msg("Fetched messages")
	return out, nil
}

// serverIDs collects the Message-Ids of every in-scope message.
func (a *Adapter) serverIDs(ctx context.Context, conn mailboxConn) (map[string]bool, error) {
	folders, err := a.folders(ctx, conn)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	for _, f := range folders {
		if err := a.selectFolder(ctx, conn, f.Name); err != nil {
			return nil, err
		}
		uids, err := a.search(ctx, conn, &imap.SearchCriteria{})
		if err != nil {
			return nil, err
		}
		if len(uids) == 0 {
			continue
		}
		headers, err := a.fetch(ctx, conn, uids, true)
		if err != nil {
			return nil, err
		}
		for _, h := range headers {
			id, err := message.HeaderID(h.Raw, h.InternalDate)
			if err != nil {
				a.log.Warn().Err(err).Str("folder", f.Name).Msg("Unreadable header")
				continue
			}
			present[id] = true
		}
	}
	return present, nil
}

// GetDeletedEmails returns the known ids the server no longer holds.
func (a *Adapter) GetDeletedEmails(ctx context.Context, knownIDs []string) ([]string, error) {
	const op = "imap get deleted emails"

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.session(op)
	if err != nil {
		return nil, err
	}
	present, err := a.serverIDs(ctx, conn)
	if err != nil {
		return nil, source.Normalize(op, err, source.ClassifyIMAP)
	}
	return source.Difference(knownIDs, present), nil
}

// locate calls fn for every in-scope folder holding a message with the
// given Message-Id, with that folder selected.
func (a *Adapter) locate(
	ctx context.Context,
	conn mailboxConn,
	id string,
	fn func(folder string, uids []imap.UID) error,
) (int, error) {
	folders, err := a.folders(ctx, conn)
	if err != nil {
		return 0, err
	}

	want := message.CanonicalID(id)
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{
			Key:   "Message-Id",
			Value: message.WireID(want),
		}},
	}

	found := 0
	for _, f := range folders {
		if err := a.selectFolder(ctx, conn, f.Name); err != nil {
			return found, err
		}
		uids, err := a.search(ctx, conn, criteria)
		if err != nil {
			return found, err
		}
		if len(uids) == 0 {
			continue
		}
		uids, err = a.matching(ctx, conn, uids, want)
		if err != nil {
			return found, err
		}
		if len(uids) == 0 {
			continue
		}
		found += len(uids)
		if err := fn(f.Name, uids); err != nil {
			return found, err
		}
	}
	return found, nil
}

// matching keeps the uids whose Message-Id equals id. SEARCH HEADER
// matches substrings, so candidates are checked against their header.
func (a *Adapter) matching(
	ctx context.Context, conn mailboxConn, uids []imap.UID, id string,
) ([]imap.UID, error) {
	headers, err := a.fetch(ctx, conn, uids, true)
	if err != nil {
		return nil, err
	}
	var out []imap.UID
	for _, h := range headers {
		got, err := message.HeaderID(h.Raw, h.InternalDate)
		if err != nil {
			a.log.Warn().Err(err).Uint32("uid", uint32(h.UID)).Msg("Unreadable header")
			continue
		}
		if got == id {
			out = append(out, h.UID)
		}
	}
	return out, nil
}

// MarkEmail sets or clears \Seen on every copy of the message.
func (a *Adapter) MarkEmail(ctx context.Context, id string, read bool) error {
	const op = "imap mark email"

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.session(op)
	if err != nil {
		return err
	}

	found, err := a.locate(ctx, conn, id, func(_ string, uids []imap.UID) error {
		return a.call(ctx, func(ctx context.Context) error {
			return conn.SetFlag(ctx, uids, imap.FlagSeen, read)
		})
	})
	if err != nil {
		return source.Normalize(op, err, source.ClassifyIMAP)
	}
	if found == 0 {
		a.log.Debug().Str("message_id", id).Msg("Nothing to mark")
	}
	return nil
}

// DeleteEmail moves every copy of the message to the trash folder, or
// expunges it when hardDelete is set.
func (a *Adapter) DeleteEmail(ctx context.Context, id string, hardDelete bool) error {
	const op = "imap delete email"

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.session(op)
	if err != nil {
		return err
	}

	var trash string
	if !hardDelete {
		trash, err = a.trashFolder(ctx, conn)
		if err != nil {
			return source.Normalize(op, err, source.ClassifyIMAP)
		}
	}

	found, err := a.locate(ctx, conn, id, func(_ string, uids []imap.UID) error {
		if !hardDelete {
			return a.call(ctx, func(ctx context.Context) error {
				return conn.Move(ctx, uids, trash)
			})
		}
		err := a.call(ctx, func(ctx context.Context) error {
			return conn.SetFlag(ctx, uids, imap.FlagDeleted, true)
		})
		if err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context) error {
			return conn.Expunge(ctx, uids)
		})
	})
	if err != nil {
		return source.Normalize(op, err, source.ClassifyIMAP)
	}
	if found == 0 {
		a.log.Debug().Str("message_id", id).Msg("Nothing to delete")
	}
	return nil
}

// SendEmail composes msg from the account address and submits it over
// SMTP. The session must be open even though SMTP uses its own
// connection.
func (a *Adapter) SendEmail(ctx context.Context, msg *model.Message) error {
	const op = "smtp send"

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.session(op); err != nil {
		return err
	}

	outbound, err := source.LoadOutbound(a.attachments, msg.Attachments, op, a.log)
	if err != nil {
		return err
	}

	raw, env, err := message.Compose(msg, model.Contact{Address: a.cfg.Address}, outbound)
	if err != nil {
		return source.Normalize(op, err)
	}
	if len(env.Recipients) == 0 {
		return source.Errorf(source.RecipientsFail, op, "message has no recipients")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	if err := a.send(ctx, a.cfg, env, raw); err != nil {
		return source.Normalize(op, err, source.ClassifySMTP)
	}

	msg.ID = env.MessageID
	a.log.Info().Str("message_id", env.MessageID).Int("recipients", len(env.Recipients)).
		Msg("Sent message")
	return nil
}
