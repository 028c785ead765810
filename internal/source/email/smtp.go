package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/source"
)

// sendFunc transmits a composed message.
type sendFunc func(ctx context.Context, cfg Config, env message.Envelope, raw []byte) error

// sendSMTP submits raw over implicit TLS or STARTTLS, authenticating
// with SASL PLAIN. Every recipient is offered separately so a rejected
// address surfaces as RecipientsFail before any data is sent.
func sendSMTP(
	ctx context.Context, cfg Config, env message.Envelope, raw []byte,
) error {
	const op = "smtp send"

	c, err := dialSMTP(ctx, cfg)
	if err != nil {
		return source.Normalize(op, err, source.ClassifySMTP)
	}
	defer func() { _ = c.Close() }()

	if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
		return source.Normalize("smtp auth", err, source.ClassifySMTP, classifySMTPAuth)
	}

	if err := c.Mail(env.From, nil); err != nil {
		return source.Normalize("smtp mail", err, source.ClassifySMTP)
	}

	var refused []error
	for _, rcpt := range env.Recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			var smtpErr *smtp.SMTPError
			if !errors.As(err, &smtpErr) {
				return source.Normalize("smtp rcpt", err, source.ClassifySMTP)
			}
			refused = append(refused, fmt.Errorf("%s: %w", rcpt, err))
		}
	}
	if len(refused) > 0 {
		return source.NewError(source.RecipientsFail, "smtp rcpt", errors.Join(refused...))
	}

	w, err := c.Data()
	if err != nil {
		return source.Normalize("smtp data", err, classifySMTPData, source.ClassifySMTP)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return source.Normalize("smtp data", err, classifySMTPData, source.ClassifySMTP)
	}
	if err := w.Close(); err != nil {
		return source.Normalize("smtp data", err, classifySMTPData, source.ClassifySMTP)
	}

	// The message is accepted at this point; a failed QUIT changes nothing.
	_ = c.Quit()
	return nil
}

func dialSMTP(ctx context.Context, cfg Config) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: cfg.SMTPHost}
	}
	netDialer := &net.Dialer{Timeout: cfg.CallTimeout}

	var conn net.Conn
	var err error
	if cfg.SMTPStartTLS {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}

	var c *smtp.Client
	if cfg.SMTPStartTLS {
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = cfg.CallTimeout
	c.SubmissionTimeout = max(cfg.CallTimeout, 2*time.Minute)
	return c, nil
}

// classifySMTPAuth treats any permanent reply to AUTH as bad
// credentials.
func classifySMTPAuth(err error) (source.ErrorKind, bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return source.InvalidLoginData, true
	}
	return 0, false
}

// classifySMTPData treats any permanent reply during DATA as a refused
// payload.
func classifySMTPData(err error) (source.ErrorKind, bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return source.SMTPDataFalse, true
	}
	return 0, false
}
