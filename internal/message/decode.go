// Package message converts between raw RFC 5322 messages and
// model.Message values.
package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/model"
)

// SyntheticDomain is the right-hand side of ids generated for messages
// that carry no Message-Id header.
const SyntheticDomain = "remail.invalid"

// Decoder parses raw messages. Attachments, when set, receives the
// content of attachment parts; otherwise attachment parts are dropped.
type Decoder struct {
	Attachments *attachment.Store
}

// DecodeOptions carries backend metadata that is not part of the raw
// message.
type DecodeOptions struct {
	// FallbackDate is used when the Date header is absent or malformed,
	// typically the IMAP INTERNALDATE.
	FallbackDate time.Time
	Read         bool
}

// CanonicalID trims whitespace and angle brackets from a Message-Id.
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// WireID returns the bracketed form of a canonical Message-Id.
func WireID(id string) string {
	return "<" + CanonicalID(id) + ">"
}

// SyntheticID derives a stable id for a message without Message-Id.
func SyntheticID(date time.Time, from, subject string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", date.UTC().Format(time.RFC3339), strings.ToLower(from), subject)
	return hex.EncodeToString(h.Sum(nil))[:32] + "@" + SyntheticDomain
}

// Decode parses raw into a message. Parts that cannot be read are
// skipped; only an unparseable header block fails the whole message.
func (d *Decoder) Decode(raw []byte, opts DecodeOptions) (*model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err)) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	msg := decodeHeader(mr.Header, opts)
	logger := log.With().Str("module", "message").Str("message_id", msg.ID).Logger()

	var htmlParts []string
	bodySet := false
	// A message fetched again replaces its earlier attachment files.
	reset := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && part == nil {
			logger.Warn().Err(err).Msg("Stopped reading malformed MIME structure")
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			if !strings.HasPrefix(contentType, "text/") {
				continue
			}
			text, err := readString(part.Body)
			if err != nil {
				logger.Warn().Err(err).Str("content_type", contentType).Msg("Could not read body part")
				continue
			}
			switch {
			case contentType == "text/html":
				htmlParts = append(htmlParts, text)
			case !bodySet:
				msg.Body = text
				bodySet = true
			}

		case *mail.AttachmentHeader:
			if !reset && d.Attachments != nil {
				if err := d.Attachments.Remove(msg.ID); err != nil {
					logger.Warn().Err(err).Msg("Could not clear earlier attachments")
				}
				reset = true
			}
			d.saveAttachment(msg, h, part.Body, logger)
		}
	}

	if !bodySet && len(htmlParts) > 0 {
		msg.Body = RenderText(htmlParts[0])
	}
	for _, doc := range htmlParts {
		msg.HTML = append(msg.HTML, SanitizeHTML(doc))
	}

	return msg, nil
}

func (d *Decoder) saveAttachment(
	msg *model.Message,
	h *mail.AttachmentHeader,
	body io.Reader,
	logger zerolog.Logger,
) {
	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = "attachment"
	}
	if d.Attachments == nil {
		return
	}

	att, err := d.Attachments.Save(msg.ID, filename, body)
	if errors.Is(err, attachment.ErrTooLarge) {
		logger.Warn().Str("filename", filename).Msg("Skipped oversize attachment")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("filename", filename).Msg("Could not store attachment")
		return
	}
	if contentType, _, err := h.ContentType(); err == nil && contentType != "" &&
		contentType != "application/octet-stream" {
		att.MIMEType = contentType
	}
	msg.Attachments = append(msg.Attachments, att)
}

func decodeHeader(h mail.Header, opts DecodeOptions) *model.Message {
	msg := &model.Message{Read: opts.Read}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	msg.Subject = subject

	date, err := h.Date()
	if err != nil || date.IsZero() {
		date = opts.FallbackDate
	}
	if !date.IsZero() {
		msg.Date = date.UTC()
	}

	if from := parseAddresses(h, "From"); len(from) > 0 {
		msg.Sender = from[0]
	}
	for _, kind := range []struct {
		field string
		kind  model.RecipientKind
	}{
		{"To", model.RecipientTo},
		{"Cc", model.RecipientCc},
		{"Bcc", model.RecipientBcc},
	} {
		for _, c := range parseAddresses(h, kind.field) {
			msg.Recipients = append(msg.Recipients, model.Recipient{Contact: c, Kind: kind.kind})
		}
	}

	id, err := h.MessageID()
	if err != nil || id == "" {
		id = CanonicalID(h.Get("Message-Id"))
	}
	if id == "" {
		id = SyntheticID(msg.Date, msg.Sender.Address, msg.Subject)
	}
	msg.ID = id

	return msg
}

// parseAddresses returns the usable addresses of a header field,
// dropping empty entries and the literal "none".
func parseAddresses(h mail.Header, field string) []model.Contact {
	list, err := h.AddressList(field)
	if err != nil {
		list = parseLenient(h.Get(field))
	}
	out := make([]model.Contact, 0, len(list))
	for _, a := range list {
		addr := strings.TrimSpace(a.Address)
		if addr == "" || strings.EqualFold(addr, "none") {
			continue
		}
		out = append(out, model.Contact{Address: addr, Name: a.Name})
	}
	return out
}

// parseLenient parses a malformed address list entry by entry, keeping
// whatever parses.
func parseLenient(raw string) []*mail.Address {
	var out []*mail.Address
	for _, entry := range strings.Split(raw, ",") {
		if a, err := mail.ParseAddress(strings.TrimSpace(entry)); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// HeaderID returns the id Decode would assign to a message with the
// given header block. It lets callers fetch headers only and still agree
// with full decodes, including on synthetic ids.
func HeaderID(rawHeader []byte, fallbackDate time.Time) (string, error) {
	if !bytes.Contains(rawHeader, []byte("\r\n\r\n")) && !bytes.Contains(rawHeader, []byte("\n\n")) {
		rawHeader = append(bytes.Clone(rawHeader), "\r\n"...)
	}
	mr, err := mail.CreateReader(bytes.NewReader(rawHeader))
	if mr == nil || (err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err)) {
		return "", fmt.Errorf("parsing header: %w", err)
	}
	defer mr.Close()
	return decodeHeader(mr.Header, DecodeOptions{FallbackDate: fallbackDate}).ID, nil
}
