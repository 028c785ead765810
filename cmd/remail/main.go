// Package main implements the remail command line client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/koesterlab/remail/internal/app"
	"github.com/koesterlab/remail/internal/credential"
	"github.com/koesterlab/remail/internal/logging"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/store"
)

var (
	configPath = flag.String("config", model.DefaultConfigPath(), "path to the config file")
	envFile    = flag.String("env-file", "", "dotenv file with REMAIL_* settings and secrets")
	logLevel   = flag.String("log-level", "", "log level override: debug, info, warn, error")
	logFile    = flag.String("log-file", "stderr", "log destination: stderr, stdout or a file path")
)

// Allow repeated string flags, e.g. -to a@x -to b@y.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var _ flag.Value = &listFlag{}

func main() {
	subcommands.ImportantFlag("config")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&refreshCmd{}, "sync")
	subcommands.Register(&refreshCmd{hard: true}, "sync")
	subcommands.Register(&watchCmd{}, "sync")
	subcommands.Register(&listCmd{}, "mail")
	subcommands.Register(&sendCmd{}, "mail")
	subcommands.Register(&markCmd{}, "mail")
	subcommands.Register(&deleteCmd{}, "mail")
	subcommands.Register(&accountsCmd{}, "accounts")
	subcommands.Register(&passwordCmd{}, "accounts")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// session is an opened App plus the resources backing it.
type session struct {
	*app.App
	closers []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openSession loads config, logging, secrets and the store, and mirrors
// configured accounts into the store.
func openSession(ctx context.Context) (*session, error) {
	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
		if err := godotenv.Load(*envFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	closeLog, err := logging.Setup(level, *logFile, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}
	s := &session{closers: []func(){closeLog}}

	secrets, err := credential.New(cfg.Secrets.Backend, envFiles...)
	if err != nil {
		s.Close()
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if err := st.Close(); err != nil {
			log.Warn().Str("module", "main").Err(err).Msg("Closing store failed")
		}
	})

	a, err := app.New(cfg, st, secrets)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := a.SyncAccounts(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("syncing accounts: %w", err)
	}
	s.App = a
	return s, nil
}

func fatal(msg string, err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitUsageError
}
