package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Worker periodically rescores every profile and records the scores in
// history.
type Worker struct {
	scorer   Scorer
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewWorker creates a rescoring worker.
// interval is typically 1 hour in production.
func NewWorker(store Store, scorer Scorer, interval time.Duration, logger *slog.Logger) *Worker {
	if scorer == nil {
		scorer = NewCalculator()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{
		scorer:   scorer,
		store:    store,
		interval: interval,
		batch:    500,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the rescoring loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.safeRescore(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRescore(ctx)
		}
	}
}

// Running reports whether the rescoring loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) safeRescore(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in reputation worker", "panic", fmt.Sprint(r))
		}
	}()
	w.Rescore(ctx)
}

// Rescore runs one pass over all profiles and returns how many were saved.
func (w *Worker) Rescore(ctx context.Context) int {
	start := time.Now()
	defer func() { rescoreDuration.Observe(time.Since(start).Seconds()) }()

	saved := 0
	after := ""
	for {
		profiles, err := w.store.ListProfiles(ctx, after, w.batch)
		if err != nil {
			w.logger.Warn("reputation rescore failed to list profiles", "error", err)
			return saved
		}
		if len(profiles) == 0 {
			break
		}

		scored := make([]*Profile, 0, len(profiles))
		for _, p := range profiles {
			scored = append(scored, w.scorer.Score(p.Identity, p.Metrics))
		}
		if err := w.store.SaveScores(ctx, scored); err != nil {
			w.logger.Warn("reputation rescore failed to save", "error", err, "count", len(scored))
			return saved
		}
		saved += len(scored)
		after = profiles[len(profiles)-1].Identity
		if len(profiles) < w.batch {
			break
		}
	}

	if saved > 0 {
		w.logger.Info("reputation rescore completed", "profiles", saved)
	}
	return saved
}
