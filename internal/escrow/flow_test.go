package escrow

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/skillxchange/trustforge/internal/catalog"
	"github.com/skillxchange/trustforge/internal/events"
	"github.com/skillxchange/trustforge/internal/ledger"
)

// TestPaidExchangeEndToEnd runs a paid exchange through the real catalog,
// ledger adapter and event bus.
func TestPaidExchangeEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat := catalog.NewService(catalog.NewMemoryStore())
	teach, err := cat.PostListing(ctx, alice, catalog.ListingRequest{
		Title: "Go concurrency", Level: "advanced", Mode: "teach", Locality: "remote",
		Fee: "0.02", SessionLink: "https://meet.example/go",
	})
	if err != nil {
		t.Fatalf("PostListing: %v", err)
	}
	learn, err := cat.PostListing(ctx, bob, catalog.ListingRequest{
		Title: "Watercolour basics", Level: "beginner", Mode: "teach", Locality: "remote",
	})
	if err != nil {
		t.Fatalf("PostListing: %v", err)
	}
	match, err := cat.ProposeMatch(ctx, catalog.ProposeRequest{SkillA: teach.ID, SkillB: learn.ID, Score: 91})
	if err != nil {
		t.Fatalf("ProposeMatch: %v", err)
	}

	rail := ledger.NewMemoryRail(true)
	rail.Fund(bob, big.NewInt(1e18))
	transfers := ledger.NewMemoryStore()
	adapter := ledger.NewAdapter(rail, transfers,
		ledger.WithLogger(logger), ledger.WithRateLimit(1000, 100), ledger.WithRetry(1, time.Millisecond))

	store := NewMemoryStore()
	svc := NewService(store, cat, adapter).WithLogger(logger)
	adapter.OnTransferResult(svc.HandleTransferResult)

	bus := events.NewMemoryBus(logger)
	var settled []events.SettleEvent
	bus.Subscribe("test", func(_ context.Context, ev events.SettleEvent) error {
		settled = append(settled, ev)
		return nil
	})
	relay := NewRelay(store, bus, time.Hour, logger)

	sess, err := svc.LockDeal(ctx, match.ID, bob)
	if err != nil {
		t.Fatalf("LockDeal: %v", err)
	}
	if sess.State != StateAwaitingPayment || sess.Payer != bob || sess.Payee != alice {
		t.Fatalf("unexpected session: %s payer=%s payee=%s", sess.State, sess.Payer, sess.Payee)
	}

	sess, err = svc.SubmitPayment(ctx, sess.ID, bob, sess.Version, "")
	if err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}
	if sess.PaymentStatus() != "pending" {
		t.Fatalf("expected pending payment, got %s", sess.PaymentStatus())
	}

	poller := ledger.NewPoller(adapter, transfers, time.Hour, logger)
	if n := poller.RunOnce(ctx); n != 1 {
		t.Fatalf("expected one delivered result, got %d", n)
	}

	sess, _ = store.Get(ctx, sess.ID)
	if sess.State != StateActive {
		t.Fatalf("expected active after payment, got %s", sess.State)
	}
	if sess.ViewFor(bob).SessionLink != "https://meet.example/go" {
		t.Errorf("paid session must release the teaching link")
	}
	if rail.Balance(alice).Cmp(big.NewInt(2e16)) != 0 {
		t.Errorf("payee balance: %s", rail.Balance(alice))
	}

	// Paying again after activation is a no-op.
	if again, err := svc.SubmitPayment(ctx, sess.ID, bob, sess.Version, ""); err != nil || again.Version != sess.Version {
		t.Errorf("repeat payment: %v", err)
	}
	if rail.Balance(bob).Cmp(big.NewInt(98e16)) != 0 {
		t.Errorf("payer charged more than once: %s", rail.Balance(bob))
	}

	sess, _ = svc.ConfirmCompletion(ctx, sess.ID, bob, sess.Version)
	sess, err = svc.ConfirmCompletion(ctx, sess.ID, alice, sess.Version)
	if err != nil || sess.State != StateCompleted {
		t.Fatalf("completion: %v", err)
	}

	relay.RunOnce(ctx)
	relay.RunOnce(ctx)
	if len(settled) != 1 || settled[0].SessionID != sess.ID {
		t.Fatalf("expected one settle event, got %+v", settled)
	}
}

// TestVoidReleasesMatchForReproposal checks the pair can be matched again
// after a void.
func TestVoidReleasesMatchForReproposal(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewService(catalog.NewMemoryStore())
	a, _ := cat.PostListing(ctx, alice, catalog.ListingRequest{Title: "Go", Level: "advanced", Mode: "teach", Locality: "remote"})
	b, _ := cat.PostListing(ctx, bob, catalog.ListingRequest{Title: "Chess", Level: "beginner", Mode: "learn", Locality: "remote"})
	m, err := cat.ProposeMatch(ctx, catalog.ProposeRequest{SkillA: a.ID, SkillB: b.ID, Score: 70})
	if err != nil {
		t.Fatalf("ProposeMatch: %v", err)
	}

	svc := NewService(NewMemoryStore(), cat, &countingPayments{}).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sess, _ := svc.LockDeal(ctx, m.ID, alice)

	if _, err := cat.ProposeMatch(ctx, catalog.ProposeRequest{SkillA: a.ID, SkillB: b.ID, Score: 75}); err == nil {
		t.Fatal("an open match must block re-proposal")
	}
	if _, err := svc.VoidSession(ctx, sess.ID, bob, "schedule clash", false); err != nil {
		t.Fatalf("VoidSession: %v", err)
	}
	again, err := cat.ProposeMatch(ctx, catalog.ProposeRequest{SkillA: a.ID, SkillB: b.ID, Score: 75})
	if err != nil {
		t.Fatalf("re-proposal after void: %v", err)
	}
	if again.ID == m.ID {
		t.Error("re-proposal must get a new match id")
	}
}
