package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
)

// mailboxConn is an authenticated IMAP session.
type mailboxConn interface {
	List(ctx context.Context) ([]folder, error)
	Select(ctx context.Context, name string) error
	Search(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error)
	// Fetch returns whole messages, or only their header block when
	// headersOnly is set.
	Fetch(ctx context.Context, uids []imap.UID, headersOnly bool) ([]fetched, error)
	SetFlag(ctx context.Context, uids []imap.UID, flag imap.Flag, add bool) error
	Move(ctx context.Context, uids []imap.UID, dest string) error
	Expunge(ctx context.Context, uids []imap.UID) error
	Logout(ctx context.Context) error
}

// dialFunc connects and authenticates.
type dialFunc func(ctx context.Context, cfg Config) (mailboxConn, error)

// imapConn implements mailboxConn on top of go-imap's client. Every call
// sets a deadline on the underlying connection so an unresponsive server
// fails the call instead of blocking forever.
type imapConn struct {
	conn    net.Conn
	client  *imapclient.Client
	timeout time.Duration
}

func dialIMAP(ctx context.Context, cfg Config) (mailboxConn, error) {
	addr := net.JoinHostPort(cfg.IMAPHost, strconv.Itoa(cfg.IMAPPort))

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: cfg.IMAPHost}
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.CallTimeout},
		Config:    tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	c := &imapConn{
		conn: conn,
		client: imapclient.New(conn, &imapclient.Options{
			WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		}),
		timeout: cfg.CallTimeout,
	}

	err = c.run(ctx, func() error {
		return c.client.Login(cfg.Username, cfg.Password).Wait()
	})
	if err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("authenticating %s: %w", cfg.Username, err)
	}
	return c, nil
}

// run executes fn under the call deadline. Cancelling ctx expires the
// deadline at once, which unblocks any pending read or write.
func (c *imapConn) run(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}()

	err := fn()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func (c *imapConn) List(ctx context.Context) ([]folder, error) {
	var folders []folder
	err := c.run(ctx, func() error {
		boxes, err := c.client.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		for _, box := range boxes {
			folders = append(folders, folder{Name: box.Mailbox, Attrs: box.Attrs})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	return folders, nil
}

func (c *imapConn) Select(ctx context.Context, name string) error {
	err := c.run(ctx, func() error {
		_, err := c.client.Select(name, nil).Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("selecting %s: %w", name, err)
	}
	return nil
}

func (c *imapConn) Search(
	ctx context.Context, criteria *imap.SearchCriteria,
) ([]imap.UID, error) {
	var uids []imap.UID
	err := c.run(ctx, func() error {
		data, err := c.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return uids, nil
}

func (c *imapConn) Fetch(
	ctx context.Context, uids []imap.UID, headersOnly bool,
) ([]fetched, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	if headersOnly {
		section.Specifier = imap.PartSpecifierHeader
	}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	var out []fetched
	err := c.run(ctx, func() error {
		bufs, err := c.client.Fetch(imap.UIDSetNum(uids...), opts).Collect()
		if err != nil {
			return err
		}
		for _, buf := range bufs {
			out = append(out, fetched{
				UID:          buf.UID,
				Raw:          buf.FindBodySection(section),
				Flags:        buf.Flags,
				InternalDate: buf.InternalDate,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return out, nil
}

func (c *imapConn) SetFlag(
	ctx context.Context, uids []imap.UID, flag imap.Flag, add bool,
) error {
	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	err := c.run(ctx, func() error {
		return c.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  []imap.Flag{flag},
		}, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("storing flags: %w", err)
	}
	return nil
}

// Move relies on the client falling back to COPY, STORE and EXPUNGE
// when the server lacks MOVE.
func (c *imapConn) Move(ctx context.Context, uids []imap.UID, dest string) error {
	err := c.run(ctx, func() error {
		_, err := c.client.Move(imap.UIDSetNum(uids...), dest).Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("moving to %s: %w", dest, err)
	}
	return nil
}

// Expunge removes the given messages, which must already carry
// \Deleted. Without UIDPLUS every \Deleted message in the folder goes.
func (c *imapConn) Expunge(ctx context.Context, uids []imap.UID) error {
	err := c.run(ctx, func() error {
		if c.client.Caps().Has(imap.CapUIDPlus) {
			return c.client.UIDExpunge(imap.UIDSetNum(uids...)).Close()
		}
		return c.client.Expunge().Close()
	})
	if err != nil {
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

func (c *imapConn) Logout(ctx context.Context) error {
	err := c.run(ctx, func() error {
		return c.client.Logout().Wait()
	})
	_ = c.client.Close()
	if err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}
