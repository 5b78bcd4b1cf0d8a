// Package events carries settle events from the escrow to their
// consumers. Delivery is at-least-once: the escrow writes each event to an
// outbox in the same write that completes the session, a relay publishes
// it until a publisher accepts it, and consumers deduplicate by session id.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SettleEvent announces that both participants confirmed a session.
type SettleEvent struct {
	SessionID    string    `json:"sessionId"`
	MatchID      string    `json:"matchId"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	SettledAt    time.Time `json:"settledAt"`
}

// Validate rejects events a consumer cannot act on.
func (e SettleEvent) Validate() error {
	if e.SessionID == "" || e.ParticipantA == "" || e.ParticipantB == "" {
		return fmt.Errorf("settle event missing required fields: %+v", e)
	}
	return nil
}

// Handler processes one event. Returning an error asks for redelivery.
type Handler func(ctx context.Context, ev SettleEvent) error

// Publisher hands an event to the transport. A nil return means the
// transport has taken responsibility for delivery.
type Publisher interface {
	Publish(ctx context.Context, ev SettleEvent) error
}

// MemoryBus delivers events in-process to every subscribed handler before
// Publish returns. A handler error fails the publish, so the relay keeps
// the outbox row and redelivers later.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []namedHandler
	logger   *slog.Logger
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{logger: logger}
}

// Subscribe registers fn under name.
func (b *MemoryBus) Subscribe(name string, fn Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, namedHandler{name: name, fn: fn})
	b.mu.Unlock()
}

var _ Publisher = (*MemoryBus)(nil)

func (b *MemoryBus) Publish(ctx context.Context, ev SettleEvent) error {
	b.mu.RLock()
	handlers := append([]namedHandler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := safeHandle(ctx, h.fn, ev); err != nil {
			b.logger.Warn("settle handler failed, will redeliver",
				"handler", h.name, "session_id", ev.SessionID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

func safeHandle(ctx context.Context, fn Handler, ev SettleEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return fn(ctx, ev)
}
