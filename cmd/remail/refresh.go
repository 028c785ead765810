package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	appsync "github.com/koesterlab/remail/internal/sync"
)

type refreshCmd struct {
	hard    bool
	account string
}

func (r *refreshCmd) Name() string {
	if r.hard {
		return "hard-refresh"
	}
	return "refresh"
}

func (r *refreshCmd) Synopsis() string {
	if r.hard {
		return "discard local mail and fetch everything again"
	}
	return "fetch new mail and drop deleted mail for all accounts"
}

func (r *refreshCmd) Usage() string {
	return r.Name() + ` [-account <id>]:
	synchronize the local store with the mail servers
`
}

func (r *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.account, "account", "", "refresh only this account")
}

func (r *refreshCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	coord := s.Coordinator()
	if r.account != "" {
		if err := coord.RefreshAccount(ctx, r.account, r.hard); err != nil {
			return fatal("Refresh failed", err)
		}
		return subcommands.ExitSuccess
	}

	var report appsync.Report
	if r.hard {
		report = coord.HardRefresh(ctx)
	} else {
		report = coord.Refresh(ctx)
	}
	printReport(report)
	if report.Err != nil || len(report.Failed()) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printReport(r appsync.Report) {
	if r.Err != nil {
		fmt.Fprintf(os.Stderr, "refresh: %v\n", r.Err)
		return
	}
	for _, res := range r.Results {
		switch {
		case res.Skipped:
			fmt.Printf("%-20s skipped: %v\n", res.AccountID, res.Err)
		case res.Err != nil:
			fmt.Printf("%-20s failed: %v\n", res.AccountID, res.Err)
		default:
			fmt.Printf("%-20s %d fetched, %d deleted (%s)\n",
				res.AccountID, res.Fetched, res.Deleted, res.Duration.Round(time.Millisecond))
		}
	}
}

type watchCmd struct {
	interval time.Duration
}

func (*watchCmd) Name() string {
	return "watch"
}

func (*watchCmd) Synopsis() string {
	return "refresh periodically until interrupted"
}

func (*watchCmd) Usage() string {
	return `watch [-interval <duration>]:
	refresh all accounts on an interval; SIGHUP forces a hard refresh
`
}

func (w *watchCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&w.interval, "interval", 0, "refresh interval, defaults to sync.interval_sec")
}

func (w *watchCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := openSession(ctx)
	if err != nil {
		return fatal("Couldn't start", err)
	}
	defer s.Close()

	interval := w.interval
	if interval <= 0 {
		interval = time.Duration(s.Config.Sync.IntervalSec) * time.Second
	}
	poller := appsync.NewPoller(s.Coordinator(), interval)
	poller.Start(ctx)
	defer poller.Stop()

	hup := hangups()
	for {
		select {
		case <-ctx.Done():
			return subcommands.ExitSuccess
		case <-hup:
			poller.Trigger(true)
		case report := <-poller.Results():
			printReport(report)
		}
	}
}
