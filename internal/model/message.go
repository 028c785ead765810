package model

import (
	"strings"
	"time"
)

// RecipientKind tags how an address received a message.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Contact is an email address known to the local store.
type Contact struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Recipient is one addressee of a message.
type Recipient struct {
	Contact Contact       `json:"contact"`
	Kind    RecipientKind `json:"kind"`
}

// Attachment references content persisted outside the message record.
type Attachment struct {
	// Filename is the sanitized display name.
	Filename string `json:"filename"`

	// Path is where the content lives on disk.
	Path string `json:"path"`

	// Size is the content length in bytes, 0 if unknown.
	Size int64 `json:"size"`

	// MIMEType is the declared or inferred content type.
	MIMEType string `json:"mime_type,omitempty"`

	// UserSupplied marks attachments picked by a user for an outbound
	// message. A missing file is a hard error for these and is skipped
	// for everything else.
	UserSupplied bool `json:"-"`
}

// Message is the backend-agnostic representation of a mail.
type Message struct {
	// ID is the RFC 5322 Message-Id without angle brackets. It is the
	// cross-backend primary key.
	ID string `json:"id"`

	Sender      Contact      `json:"sender"`
	Recipients  []Recipient  `json:"recipients"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	HTML        []string     `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Date        time.Time    `json:"date"`
	Read        bool         `json:"read"`
}

// RecipientsOf returns the addresses of the given kind in order.
func (m *Message) RecipientsOf(kind RecipientKind) []string {
	var out []string
	for _, r := range m.Recipients {
		if r.Kind == kind {
			out = append(out, r.Contact.Address)
		}
	}
	return out
}

// Involves reports whether address is the sender or any recipient.
func (m *Message) Involves(address string) bool {
	if strings.EqualFold(m.Sender.Address, address) {
		return true
	}
	for _, r := range m.Recipients {
		if strings.EqualFold(r.Contact.Address, address) {
			return true
		}
	}
	return false
}
