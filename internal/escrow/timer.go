package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// stuckLockedAfter is how long a session may sit in locked before the
// sweep advances it. LockDeal advances immediately, so only a crash
// between the insert and the advance leaves one behind.
const stuckLockedAfter = time.Minute

// Timer periodically voids sessions whose payment window passed and
// advances sessions left in locked.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new session sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in session timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass and returns how many sessions it voided and
// advanced.
func (t *Timer) Sweep(ctx context.Context) (voided, advanced int) {
	now := t.service.now()

	// 1. Void sessions past their payment deadline
	expired, err := t.store.ListPaymentExpired(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list payment-expired sessions", "error", err)
	}
	for _, sess := range expired {
		_, didVoid, err := t.service.ExpirePayment(ctx, sess.ID)
		if err != nil {
			t.logger.Warn("failed to expire session", "session_id", sess.ID, "error", err)
			continue
		}
		if didVoid {
			voided++
			t.logger.Info("session voided, payment window expired",
				"session_id", sess.ID, "match_id", sess.MatchID, "payer", sess.Payer)
		}
	}

	// 2. Advance sessions a crash left in locked
	stuck, err := t.store.ListStuckLocked(ctx, now.Add(-stuckLockedAfter), 100)
	if err != nil {
		t.logger.Warn("failed to list locked sessions", "error", err)
		return voided, advanced
	}
	for _, sess := range stuck {
		got, err := t.service.AdvanceLocked(ctx, sess.ID)
		if err != nil {
			t.logger.Warn("failed to advance locked session", "session_id", sess.ID, "error", err)
			continue
		}
		if got.State != StateLocked {
			advanced++
			t.logger.Info("advanced stuck session", "session_id", sess.ID, "state", got.State)
		}
	}
	return voided, advanced
}
