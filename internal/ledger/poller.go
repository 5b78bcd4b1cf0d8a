package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Poller drives unresolved transfers to a delivered result: it polls the
// rail for pending transfers and retries delivery of terminal ones whose
// callback failed.
type Poller struct {
	adapter  *Adapter
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewPoller creates a poller for adapter.
func NewPoller(adapter *Adapter, store Store, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		adapter:  adapter,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start runs the poll loop until ctx ends or Stop is called. Call in a
// goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeRunOnce(ctx)
		}
	}
}

// Stop signals the poller to stop. It is safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in transfer poller", "panic", fmt.Sprint(r))
		}
	}()
	p.RunOnce(ctx)
}

// RunOnce processes one batch and returns how many transfers reached a
// delivered result.
func (p *Poller) RunOnce(ctx context.Context) int {
	unresolved, err := p.store.ListUnresolved(ctx, p.batch)
	if err != nil {
		p.logger.Warn("failed to list unresolved transfers", "error", err)
		return 0
	}
	transfersUnresolved.Set(float64(len(unresolved)))

	delivered := 0
	for _, t := range unresolved {
		got, err := p.adapter.Refresh(ctx, t.ID)
		if err != nil {
			p.logger.Warn("transfer poll failed",
				"transfer_id", t.ID, "reference", t.Reference, "error", err)
			continue
		}
		if got.Status.IsTerminal() {
			if after, err := p.store.Get(ctx, t.ID); err == nil && after.Notified {
				delivered++
				p.logger.Info("transfer result delivered",
					"transfer_id", t.ID, "reference", t.Reference, "status", after.Status)
			}
		}
	}
	return delivered
}
