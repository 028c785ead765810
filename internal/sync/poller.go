package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SyncState represents the current state of an account's sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	AccountID string
	State     SyncState
	LastSync  time.Time
	Error     error
}

// DefaultInterval is used when the poller is created without one.
const DefaultInterval = 5 * time.Minute

// Poller runs the coordinator periodically and on demand.
type Poller struct {
	coord     *Coordinator
	interval  time.Duration
	statuses  map[string]*SyncStatus
	resultCh  chan Report
	triggerCh chan bool
	stopCh    chan struct{}
	done      chan struct{}
	mu        gosync.Mutex
	running   bool
}

// NewPoller creates a poller refreshing every interval.
func NewPoller(c *Coordinator, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		coord:     c,
		interval:  interval,
		statuses:  make(map[string]*SyncStatus),
		resultCh:  make(chan Report, 16),
		triggerCh: make(chan bool, 1),
	}
}

// Start runs an initial refresh and then one per interval until ctx is
// done or Stop is called. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts the polling loop and waits for a running refresh to end.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	<-done
}

// Trigger requests an immediate refresh. Requests made while one is
// pending are merged; a hard request wins.
func (p *Poller) Trigger(hard bool) {
	for {
		select {
		case p.triggerCh <- hard:
			return
		default:
		}
		select {
		case pending := <-p.triggerCh:
			hard = hard || pending
		default:
		}
	}
}

// Results delivers the report of every completed pass. Reports are
// dropped when nobody reads them.
func (p *Poller) Results() <-chan Report {
	return p.resultCh
}

// Statuses returns the current sync status of all known accounts,
// ordered by account id.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Do an initial refresh immediately
	p.run(ctx, false)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx, false)
		case hard := <-p.triggerCh:
			p.run(ctx, hard)
		}
	}
}

func (p *Poller) run(ctx context.Context, hard bool) {
	p.markRunning()

	var report Report
	if hard {
		report = p.coord.HardRefresh(ctx)
	} else {
		report = p.coord.Refresh(ctx)
	}
	if report.Err != nil {
		log.Error().Str("module", "sync").Err(report.Err).Msg("Refresh pass failed")
	}

	p.record(report)
	p.sendResult(report)
}

func (p *Poller) markRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.statuses {
		s.State = SyncRunning
	}
}

// record updates the statuses from a finished pass.
func (p *Poller) record(report Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.statuses {
		if s.State == SyncRunning {
			s.State = SyncIdle
		}
	}
	for _, res := range report.Results {
		status, ok := p.statuses[res.AccountID]
		if !ok {
			status = &SyncStatus{AccountID: res.AccountID}
			p.statuses[res.AccountID] = status
		}
		status.Error = res.Err
		if res.Err != nil {
			status.State = SyncError
			continue
		}
		status.State = SyncIdle
		status.LastSync = report.Started
	}
}

// sendResult sends a report on the result channel without blocking.
func (p *Poller) sendResult(r Report) {
	select {
	case p.resultCh <- r:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
