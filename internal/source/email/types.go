package email

import (
	"crypto/tls"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Config holds the connection settings of one IMAP/SMTP account.
type Config struct {
	// Address is the account's own address, used as the sender.
	Address string

	// Username and Password authenticate both IMAP and SMTP.
	Username string
	Password string

	IMAPHost string
	IMAPPort int

	SMTPHost string
	SMTPPort int
	// SMTPStartTLS selects STARTTLS on a plain connection instead of
	// implicit TLS.
	SMTPStartTLS bool

	// CallTimeout bounds each blocking network call.
	CallTimeout time.Duration

	// TLSConfig overrides the default TLS settings, e.g. for a private CA.
	TLSConfig *tls.Config
}

// folder is one entry of the LIST response.
type folder struct {
	Name  string
	Attrs []imap.MailboxAttr
}

// fetched is one message returned by a FETCH.
type fetched struct {
	UID          imap.UID
	Raw          []byte
	Flags        []imap.Flag
	InternalDate time.Time
}

func (f fetched) seen() bool {
	for _, flag := range f.Flags {
		if flag == imap.FlagSeen {
			return true
		}
	}
	return false
}
