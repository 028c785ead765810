package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"

	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/store"
)

type listCmd struct {
	sender    string
	recipient string
	limit     int
}

func (*listCmd) Name() string {
	return "list"
}

func (*listCmd) Synopsis() string {
	return "list locally stored messages"
}

func (*listCmd) Usage() string {
	return `list [-from <addr>] [-to <addr>] [-n <limit>]:
	list stored messages, newest first
`
}

func (l *listCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.sender, "from", "", "only messages from this address")
	f.StringVar(&l.recipient, "to", "", "only messages to this address")
	f.IntVar(&l.limit, "n", 50, "maximum number of messages")
}

func (l *listCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	filter := store.EmailFilter{Limit: l.limit}
	if l.sender != "" {
		filter.Sender = &l.sender
	}
	if l.recipient != "" {
		filter.Recipient = &l.recipient
	}
	msgs, err := s.Store.GetEmails(ctx, filter)
	if err != nil {
		return fatal("Couldn't list messages", err)
	}
	for _, m := range msgs {
		mark := " "
		if !m.Read {
			mark = "*"
		}
		fmt.Printf("%s %s  %-30s  %s  <%s>\n",
			mark, m.Date.Local().Format("2006-01-02 15:04"), m.Sender.Address, m.Subject, m.ID)
	}
	return subcommands.ExitSuccess
}

type sendCmd struct {
	account string
	subject string
	body    string
	html    bool
	to      listFlag
	cc      listFlag
	bcc     listFlag
	attach  listFlag
}

func (*sendCmd) Name() string {
	return "send"
}

func (*sendCmd) Synopsis() string {
	return "send a message"
}

func (*sendCmd) Usage() string {
	return `send -account <id> -to <addr> [-cc <addr>] [-bcc <addr>] [-attach <file>] -subject <s> -body <text>:
	send a message from the given account
`
}

func (c *sendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "sending account id")
	f.StringVar(&c.subject, "subject", "", "subject line")
	f.StringVar(&c.body, "body", "", "message body")
	f.BoolVar(&c.html, "html", false, "body is HTML")
	f.Var(&c.to, "to", "recipient, may be repeated")
	f.Var(&c.cc, "cc", "carbon copy recipient, may be repeated")
	f.Var(&c.bcc, "bcc", "blind carbon copy recipient, may be repeated")
	f.Var(&c.attach, "attach", "file to attach, may be repeated")
}

func (c *sendCmd) message() *model.Message {
	msg := &model.Message{Subject: c.subject, Body: c.body}
	if c.html {
		msg.HTML = []string{c.body}
	}
	add := func(addrs []string, kind model.RecipientKind) {
		for _, a := range addrs {
			msg.Recipients = append(msg.Recipients, model.Recipient{
				Contact: model.Contact{Address: strings.TrimSpace(a)},
				Kind:    kind,
			})
		}
	}
	add(c.to, model.RecipientTo)
	add(c.cc, model.RecipientCc)
	add(c.bcc, model.RecipientBcc)
	for _, p := range c.attach {
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Filename:     filepath.Base(p),
			Path:         p,
			UserSupplied: true,
		})
	}
	return msg
}

func (c *sendCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		return usage("account required")
	}
	if len(c.to)+len(c.cc)+len(c.bcc) == 0 {
		return usage("at least one recipient required")
	}
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	if err := s.Send(ctx, c.account, c.message()); err != nil {
		return fatal("Send failed", err)
	}
	return subcommands.ExitSuccess
}

type markCmd struct {
	account string
	unread  bool
}

func (*markCmd) Name() string {
	return "mark"
}

func (*markCmd) Synopsis() string {
	return "mark a message read or unread"
}

func (*markCmd) Usage() string {
	return `mark -account <id> [-unread] <message-id>:
	set the read flag on the server and in the local store
`
}

func (m *markCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.account, "account", "", "account holding the message")
	f.BoolVar(&m.unread, "unread", false, "mark unread instead of read")
}

func (m *markCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id := f.Arg(0)
	if m.account == "" || id == "" {
		return usage("account and message id required")
	}
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	if err := s.Mark(ctx, m.account, id, !m.unread); err != nil {
		return fatal("Mark failed", err)
	}
	return subcommands.ExitSuccess
}

type deleteCmd struct {
	account string
	hard    bool
}

func (*deleteCmd) Name() string {
	return "delete"
}

func (*deleteCmd) Synopsis() string {
	return "move a message to the trash or purge it"
}

func (*deleteCmd) Usage() string {
	return `delete -account <id> [-hard] <message-id>:
	delete a message on the server and from the local store
`
}

func (d *deleteCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.account, "account", "", "account holding the message")
	f.BoolVar(&d.hard, "hard", false, "purge instead of moving to the trash")
}

func (d *deleteCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id := f.Arg(0)
	if d.account == "" || id == "" {
		return usage("account and message id required")
	}
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	if err := s.Delete(ctx, d.account, id, d.hard); err != nil {
		return fatal("Delete failed", err)
	}
	return subcommands.ExitSuccess
}
