package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/model"
)

// Envelope is the SMTP transaction data for a composed message.
type Envelope struct {
	From string
	// Recipients is the union of to, cc and bcc addresses.
	Recipients []string
	// MessageID is the canonical id written into the header.
	MessageID string
}

// NewMessageID returns a fresh canonical id in the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

// Compose renders msg as an RFC 5322 message sent by from. Bcc
// recipients appear only in the envelope.
func Compose(
	msg *model.Message,
	from model.Contact,
	attachments []attachment.Outbound,
) ([]byte, Envelope, error) {
	id := CanonicalID(msg.ID)
	if id == "" {
		id = NewMessageID(from.Address)
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(date)
	h.SetMessageID(id)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: from.Name, Address: from.Address}})
	if to := addressList(msg, model.RecipientTo); len(to) > 0 {
		h.SetAddressList("To", to)
	}
	if cc := addressList(msg, model.RecipientCc); len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeBody(mw, msg); err != nil {
		return nil, Envelope{}, err
	}

	for _, att := range attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.MIMEType, nil)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, Envelope{}, fmt.Errorf("creating attachment %s: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, Envelope{}, fmt.Errorf("writing attachment %s: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, Envelope{}, fmt.Errorf("closing attachment %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, Envelope{}, fmt.Errorf("closing message: %w", err)
	}

	return buf.Bytes(), Envelope{
		From:       from.Address,
		Recipients: EnvelopeRecipients(msg),
		MessageID:  id,
	}, nil
}

type bodyPart struct {
	contentType string
	text        string
}

func writeBody(mw *mail.Writer, msg *model.Message) error {
	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating body: %w", err)
	}

	parts := []bodyPart{{"text/plain", msg.Body}}
	if len(msg.HTML) > 0 {
		parts = append(parts, bodyPart{"text/html", msg.HTML[0]})
	}

	for _, p := range parts {
		var ih mail.InlineHeader
		ih.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		ih.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := tw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("creating %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(w, p.text); err != nil {
			return fmt.Errorf("writing %s part: %w", p.contentType, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("closing %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing body: %w", err)
	}
	return nil
}

func addressList(msg *model.Message, kind model.RecipientKind) []*mail.Address {
	var out []*mail.Address
	for _, r := range msg.Recipients {
		if r.Kind == kind {
			out = append(out, &mail.Address{Name: r.Contact.Name, Address: r.Contact.Address})
		}
	}
	return out
}

// EnvelopeRecipients returns the to, cc and bcc addresses of msg in
// that order without duplicates.
func EnvelopeRecipients(msg *model.Message) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range msg.Recipients {
		key := strings.ToLower(r.Contact.Address)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r.Contact.Address)
	}
	return out
}
