package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/koesterlab/remail/internal/credential"
)

type accountsCmd struct{}

func (*accountsCmd) Name() string {
	return "accounts"
}

func (*accountsCmd) Synopsis() string {
	return "list configured accounts"
}

func (*accountsCmd) Usage() string {
	return `accounts:
	list enabled accounts and their last refresh
`
}

func (*accountsCmd) SetFlags(*flag.FlagSet) {}

func (*accountsCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	accts, err := s.Store.GetAccounts(ctx)
	if err != nil {
		return fatal("Couldn't list accounts", err)
	}
	for _, a := range accts {
		last := "never"
		if a.LastRefresh != nil {
			last = a.LastRefresh.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-20s %-9s %-30s %s\n", a.ID, a.Kind, a.Address, last)
	}
	return subcommands.ExitSuccess
}

type passwordCmd struct{}

func (*passwordCmd) Name() string {
	return "set-password"
}

func (*passwordCmd) Synopsis() string {
	return "store an account password in the system keyring"
}

func (*passwordCmd) Usage() string {
	return `set-password <account-id>:
	read a password from stdin and store it in the keyring
`
}

func (*passwordCmd) SetFlags(*flag.FlagSet) {}

func (*passwordCmd) Execute(
	_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id := f.Arg(0)
	if id == "" {
		return usage("account id required")
	}

	ring, err := credential.OpenKeyring(credential.KeyringConfig{})
	if err != nil {
		return fatal("Couldn't open keyring", err)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fatal("Couldn't read password", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return usage("empty password")
	}
	if err := ring.SetPassword(id, password); err != nil {
		return fatal("Couldn't store password", err)
	}
	return subcommands.ExitSuccess
}
