package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skillxchange/trustforge/internal/events"
	"github.com/skillxchange/trustforge/internal/retry"
)

// Relay publishes queued settle events. An event stays in the outbox
// until the publisher accepts it, so a crash or a failing consumer only
// delays delivery.
type Relay struct {
	store     Store
	publisher events.Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
	kick      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewRelay creates an outbox relay.
func NewRelay(store Store, publisher events.Publisher, interval time.Duration, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batch:     100,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Kick asks the relay to run now instead of at its next tick.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Running reports whether the relay loop is active.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start runs the relay loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRunOnce(ctx)
		case <-r.kick:
			r.safeRunOnce(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Relay) safeRunOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in settle relay", "panic", fmt.Sprint(rec))
		}
	}()
	r.RunOnce(ctx)
}

// RunOnce publishes one batch and returns how many events were accepted.
func (r *Relay) RunOnce(ctx context.Context) int {
	pending, err := r.store.PendingSettlements(ctx, r.batch)
	if err != nil {
		r.logger.Warn("failed to read settle outbox", "error", err)
		return 0
	}

	published := 0
	for _, ev := range pending {
		err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
			return r.publisher.Publish(ctx, ev)
		})
		if err != nil {
			settleEventsRelayed.WithLabelValues("failed").Inc()
			r.logger.Warn("settle event publish failed, will retry",
				"session_id", ev.SessionID, "error", err)
			continue
		}
		if err := r.store.MarkSettlementDispatched(ctx, ev.SessionID); err != nil {
			// Published but not marked: the next pass publishes again and
			// consumers drop the duplicate.
			r.logger.Warn("failed to mark settle event dispatched", "session_id", ev.SessionID, "error", err)
		}
		settleEventsRelayed.WithLabelValues("published").Inc()
		published++
	}
	return published
}
