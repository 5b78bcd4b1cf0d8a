package reputation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skillxchange/trustforge/internal/events"
	"github.com/skillxchange/trustforge/internal/traces"
)

// Issuer applies settle events to reputation. It is safe to deliver the
// same event any number of times.
type Issuer struct {
	store  Store
	scorer Scorer
	logger *slog.Logger
}

// NewIssuer creates an issuer. A nil scorer uses the default calculator.
func NewIssuer(store Store, scorer Scorer, logger *slog.Logger) *Issuer {
	if scorer == nil {
		scorer = NewCalculator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{store: store, scorer: scorer, logger: logger}
}

// Handle is an events.Handler. Store failures are returned so the
// transport redelivers; malformed events are dropped.
func (i *Issuer) Handle(ctx context.Context, ev events.SettleEvent) (err error) {
	ctx, span := traces.StartSpan(ctx, "reputation.Handle", traces.SessionID(ev.SessionID))
	defer func() { traces.End(span, err) }()

	if err := ev.Validate(); err != nil {
		settlementsApplied.WithLabelValues("invalid").Inc()
		i.logger.Error("dropping malformed settle event", "error", err)
		return nil
	}

	applied, err := i.store.RecordSettlement(ctx, &Settlement{
		SessionID:    ev.SessionID,
		ParticipantA: ev.ParticipantA,
		ParticipantB: ev.ParticipantB,
		SettledAt:    ev.SettledAt,
	}, i.scorer.Score)
	if err != nil {
		settlementsApplied.WithLabelValues("failed").Inc()
		return fmt.Errorf("record settlement %s: %w", ev.SessionID, err)
	}
	if !applied {
		settlementsApplied.WithLabelValues("duplicate").Inc()
		i.logger.Debug("settle event already applied", "session_id", ev.SessionID)
		return nil
	}

	settlementsApplied.WithLabelValues("applied").Inc()
	credentialsMinted.Add(2)
	i.logger.Info("credentials issued",
		"session_id", ev.SessionID,
		"participant_a", ev.ParticipantA,
		"participant_b", ev.ParticipantB)
	return nil
}
