// Package exchange implements source.Client for Exchange mailboxes over
// EWS.
package exchange

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/source"
)

// Config holds the settings of one Exchange account.
type Config struct {
	// Address is the mailbox address.
	Address string
	// Username is the login principal, e.g. DOMAIN\user or a UPN.
	// Defaults to Address.
	Username string
	// Password is the account password, or the client secret for
	// OAuth2.
	Password string

	// URL is the EWS endpoint. Empty means autodiscover.
	URL string
	// AutodiscoverURLs overrides the autodiscover candidates.
	AutodiscoverURLs []string

	// Auth is one of AuthBasic, AuthNTLM or AuthOAuth2.
	Auth     string
	TenantID string
	ClientID string

	CallTimeout time.Duration
	HTTPClient  *http.Client
}

// Adapter implements source.Client for EWS. EWS is stateless over
// HTTP; the session is the resolved endpoint plus the folder ids learned
// at login.
type Adapter struct {
	cfg         Config
	attachments *attachment.Store
	log         zerolog.Logger

	mu       sync.Mutex
	client   *Client
	excluded map[string]bool
}

var _ source.Client = (*Adapter)(nil)

// NewAdapter creates an adapter for one account. Inbound attachments
// are stored in the decoder's attachment store.
func NewAdapter(cfg Config, decoder *message.Decoder) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = source.DefaultCallTimeout
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Address
	}
	if cfg.Auth == "" {
		cfg.Auth = AuthBasic
	}
	a := &Adapter{
		cfg: cfg,
		log: log.With().
			Str("module", "exchange").
			Str("account", cfg.Address).
			Logger(),
	}
	if decoder != nil {
		a.attachments = decoder.Attachments
	}
	return a
}

// Kind returns model.BackendExchange.
func (a *Adapter) Kind() model.BackendKind { return model.BackendExchange }

// LoggedIn reports whether Login succeeded and Logout has not been
// called since.
func (a *Adapter) LoggedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil
}

func normalize(op string, err error) error {
	return source.Normalize(op, err, ClassifyEWS)
}

// withTimeout bounds calls made outside Client, such as autodiscover.
// Client applies the call timeout to each request itself.
func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.CallTimeout)
}

// Login resolves the endpoint and verifies the credentials by reading
// the well-known folders.
func (a *Adapter) Login(ctx context.Context) error {
	const op = "ews login"

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return nil
	}

	addr, err := mail.ParseAddress(a.cfg.Address)
	if err != nil || addr.Address != strings.TrimSpace(a.cfg.Address) {
		return source.Errorf(source.InvalidEmail, op, "malformed address %q", a.cfg.Address)
	}
	if a.cfg.Password == "" {
		return source.Errorf(source.InvalidLoginData, op, "no password for %s", a.cfg.Username)
	}

	url := a.cfg.URL
	if url == "" {
		ctx, cancel := a.withTimeout(ctx)
		url, err = Autodiscover(ctx, a.cfg)
		cancel()
		if err != nil {
			if _, ok := ClassifyEWS(err); !ok {
				return source.NewError(source.ServerConnectionFail, op, err)
			}
			return normalize(op, err)
		}
		a.log.Debug().Str("url", url).Msg("Autodiscovered endpoint")
	}

	client := NewClient(url, a.cfg)
	folders, err := client.getFolders(ctx, folderRoot, folderTrash, folderJunk, folderDrafts)
	if err != nil {
		return normalize(op, err)
	}
	if _, ok := folders[folderRoot]; !ok {
		return source.Errorf(source.UnknownError, op, "mailbox root not returned")
	}

	a.excluded = make(map[string]bool)
	for _, name := range []string{folderTrash, folderJunk, folderDrafts} {
		if f, ok := folders[name]; ok {
			a.excluded[f.FolderID.ID] = true
		}
	}
	a.client = client
	a.log.Debug().Msg("Logged in")
	return nil
}

// Logout drops the session. EWS holds no server-side session.
func (a *Adapter) Logout(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	a.excluded = nil
	return nil
}

func (a *Adapter) session(op string) (*Client, error) {
	if a.client == nil {
		return nil, source.NewError(source.NotLoggedIn, op, nil)
	}
	return a.client, nil
}

// scope returns the mail folders outside trash, junk and drafts.
func (a *Adapter) scope(ctx context.Context, c *Client) ([]folderXML, error) {
	folders, err := c.findMailFolders(ctx)
	if err != nil {
		return nil, err
	}
	out := folders[:0]
	for _, f := range folders {
		if !a.excluded[f.FolderID.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}

func (a *Adapter) find(ctx context.Context, c *Client, f folderXML, r *restriction) ([]messageXML, error) {
	return c.findItems(ctx, f.FolderID, r)
}

// itemMessageID is the canonical id of an item; it only needs the
// properties findItems returns.
func itemMessageID(m messageXML) string {
	if id := message.CanonicalID(m.InternetMessageID); id != "" {
		return id
	}
	from := ""
	if m.From != nil {
		from = m.From.EmailAddress
	}
	return message.SyntheticID(m.DateTimeReceived.UTC(), from, m.Subject)
}

// GetEmails returns the in-scope messages received at or after since.
func (a *Adapter) GetEmails(ctx context.Context, since *time.Time) ([]model.Message, error) {
	const op = "ews get emails"

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.session(op)
	if err != nil {
		return nil, err
	}
	folders, err := a.scope(ctx, c)
	if err != nil {
		return nil, normalize(op, err)
	}

	var r *restriction
	if since != nil {
		r = sinceRestriction(*since)
	}

	var ids []itemID
	for _, f := range folders {
		items, err := a.find(ctx, c, f, r)
		if err != nil {
			return nil, normalize(op, err)
		}
		for _, it := range items {
			if source.NotBefore(it.DateTimeReceived, since) {
				ids = append(ids, it.ItemID)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := c.getItems(ctx, ids)
	if err != nil {
		return nil, normalize(op, err)
	}

	seen := make(map[string]bool, len(items))
	out := make([]model.Message, 0, len(items))
	for _, it := range items {
		if !source.NotBefore(it.DateTimeReceived, since) {
			continue
		}
		msg := a.toMessage(ctx, c, it)
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}

	a.log.Debug().Int("count", len(out)).Msg("Fetched messages")
	return out, nil
}

// toMessage converts an item. The body type is guessed from its markup.
func (a *Adapter) toMessage(ctx context.Context, c *Client, it messageXML) model.Message {
	msg := model.Message{
		ID:      itemMessageID(it),
		Subject: it.Subject,
		Date:    it.DateTimeReceived.UTC(),
		Read:    it.IsRead,
	}

	switch {
	case it.Sender != nil:
		msg.Sender = contact(*it.Sender)
	case it.From != nil:
		msg.Sender = contact(*it.From)
	}
	for _, group := range []struct {
		boxes []mailboxXML
		kind  model.RecipientKind
	}{
		{it.ToRecipients, model.RecipientTo},
		{it.CcRecipients, model.RecipientCc},
		{it.BccRecipients, model.RecipientBcc},
	} {
		for _, mb := range group.boxes {
			if addr := strings.TrimSpace(mb.EmailAddress); addr == "" || strings.EqualFold(addr, "none") {
				continue
			}
			msg.Recipients = append(msg.Recipients, model.Recipient{Contact: contact(mb), Kind: group.kind})
		}
	}

	if raw := it.Body.Text; message.LooksLikeHTML(raw) {
		msg.Body = message.RenderText(raw)
		msg.HTML = []string{message.SanitizeHTML(raw)}
	} else {
		msg.Body = raw
	}

	msg.Attachments = a.fetchAttachments(ctx, c, msg.ID, it.Attachments)
	return msg
}

func contact(mb mailboxXML) model.Contact {
	return model.Contact{Address: strings.TrimSpace(mb.EmailAddress), Name: mb.Name}
}

// fetchAttachments downloads and stores the file attachments of one
// item. Failures skip the attachment, not the message.
func (a *Adapter) fetchAttachments(
	ctx context.Context, c *Client, msgID string, atts []attachmentXML,
) []model.Attachment {
	if a.attachments == nil || len(atts) == 0 {
		return nil
	}

	if err := a.attachments.Remove(msgID); err != nil {
		a.log.Warn().Err(err).Str("message_id", msgID).Msg("Could not clear earlier attachments")
	}

	var out []model.Attachment
	for _, att := range atts {
		logger := a.log.With().Str("message_id", msgID).Str("filename", att.Name).Logger()
		if att.Size > a.attachments.MaxBytes {
			logger.Warn().Int64("size", att.Size).Msg("Skipped oversize attachment")
			continue
		}

		full, data, err := c.getAttachment(ctx, att.AttachmentID.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not download attachment")
			continue
		}

		stored, err := a.attachments.Save(msgID, full.Name, bytes.NewReader(data))
		if errors.Is(err, attachment.ErrTooLarge) {
			logger.Warn().Msg("Skipped oversize attachment")
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Could not store attachment")
			continue
		}
		if full.ContentType != "" {
			stored.MIMEType = full.ContentType
		}
		out = append(out, stored)
	}
	return out
}

// GetDeletedEmails returns the known ids no longer present in scope.
func (a *Adapter) GetDeletedEmails(ctx context.Context, knownIDs []string) ([]string, error) {
	const op = "ews get deleted emails"

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.session(op)
	if err != nil {
		return nil, err
	}
	folders, err := a.scope(ctx, c)
	if err != nil {
		return nil, normalize(op, err)
	}

	present := make(map[string]bool)
	for _, f := range folders {
		items, err := a.find(ctx, c, f, nil)
		if err != nil {
			return nil, normalize(op, err)
		}
		for _, it := range items {
			present[itemMessageID(it)] = true
		}
	}
	return source.Difference(knownIDs, present), nil
}

// locate returns the items in scope carrying the given Message-Id.
func (a *Adapter) locate(ctx context.Context, c *Client, id string) ([]itemID, error) {
	folders, err := a.scope(ctx, c)
	if err != nil {
		return nil, err
	}

	id = message.CanonicalID(id)
	synthetic := strings.HasSuffix(id, "@"+message.SyntheticDomain)

	var r *restriction
	if !synthetic {
		r = messageIDRestriction(message.WireID(id))
	}

	var out []itemID
	for _, f := range folders {
		items, err := a.find(ctx, c, f, r)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if itemMessageID(it) == id {
				out = append(out, it.ItemID)
			}
		}
	}
	return out, nil
}

// MarkEmail sets the read flag on every copy of the message.
func (a *Adapter) MarkEmail(ctx context.Context, id string, read bool) error {
	const op = "ews mark email"

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.session(op)
	if err != nil {
		return err
	}
	items, err := a.locate(ctx, c, id)
	if err != nil {
		return normalize(op, err)
	}
	if len(items) == 0 {
		a.log.Debug().Str("message_id", id).Msg("Nothing to mark")
		return nil
	}

	if err := c.setRead(ctx, items, read); err != nil {
		return normalize(op, err)
	}
	return nil
}

// DeleteEmail moves every copy to Deleted Items, or purges it when
// hardDelete is set.
func (a *Adapter) DeleteEmail(ctx context.Context, id string, hardDelete bool) error {
	const op = "ews delete email"

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.session(op)
	if err != nil {
		return err
	}
	items, err := a.locate(ctx, c, id)
	if err != nil {
		return normalize(op, err)
	}
	if len(items) == 0 {
		a.log.Debug().Str("message_id", id).Msg("Nothing to delete")
		return nil
	}

	if err := c.deleteItems(ctx, items, hardDelete); err != nil {
		return normalize(op, err)
	}
	return nil
}

// SendEmail sends msg and saves a copy to Sent Items. Messages with
// attachments are saved as a draft first, then sent.
func (a *Adapter) SendEmail(ctx context.Context, msg *model.Message) error {
	const op = "ews send"

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.session(op)
	if err != nil {
		return err
	}

	outbound, err := source.LoadOutbound(a.attachments, msg.Attachments, op, a.log)
	if err != nil {
		return err
	}
	if len(message.EnvelopeRecipients(msg)) == 0 {
		return source.Errorf(source.RecipientsFail, op, "message has no recipients")
	}

	out := messageOut{
		Subject:       msg.Subject,
		Body:          bodyOut{BodyType: "Text", Text: msg.Body},
		ToRecipients:  mailboxes(msg, model.RecipientTo),
		CcRecipients:  mailboxes(msg, model.RecipientCc),
		BccRecipients: mailboxes(msg, model.RecipientBcc),
	}
	if len(msg.HTML) > 0 {
		out.Body = bodyOut{BodyType: "HTML", Text: msg.HTML[0]}
	}

	if len(outbound) == 0 {
		if _, err := c.createMessage(ctx, out, true); err != nil {
			return normalize(op, err)
		}
		a.log.Info().Int("recipients", len(message.EnvelopeRecipients(msg))).Msg("Sent message")
		return nil
	}

	draft, err := c.createMessage(ctx, out, false)
	if err != nil {
		return normalize(op, err)
	}
	files := make([]fileAttachmentOut, 0, len(outbound))
	for _, o := range outbound {
		files = append(files, fileAttachmentOut{
			Name:        o.Filename,
			ContentType: o.MIMEType,
			Content:     base64.StdEncoding.EncodeToString(o.Data),
		})
	}
	draft, err = c.createAttachments(ctx, draft, files)
	if err != nil {
		return normalize(op, err)
	}
	if err := c.sendItem(ctx, draft); err != nil {
		return normalize(op, err)
	}

	a.log.Info().Int("recipients", len(message.EnvelopeRecipients(msg))).
		Int("attachments", len(files)).Msg("Sent message")
	return nil
}

func mailboxes(msg *model.Message, kind model.RecipientKind) []mailboxOut {
	var out []mailboxOut
	for _, r := range msg.Recipients {
		if r.Kind == kind {
			out = append(out, mailboxOut{Name: r.Contact.Name, EmailAddress: r.Contact.Address})
		}
	}
	return out
}
