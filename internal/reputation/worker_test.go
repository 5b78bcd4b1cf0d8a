package reputation

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestWorker_RescoreDrifts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = NewIssuer(store, fixedCalculator(epoch), quietLogger()).Handle(ctx, settled("ses_1", alice, bob))
	before, _ := store.Profile(ctx, alice)

	w := NewWorker(store, fixedCalculator(epoch.AddDate(0, 0, 200)), time.Hour, quietLogger())
	if n := w.Rescore(ctx); n != 2 {
		t.Fatalf("expected 2 profiles rescored, got %d", n)
	}

	after, _ := store.Profile(ctx, alice)
	if after.Components.RecencyScore >= before.Components.RecencyScore {
		t.Errorf("recency should drop: before %f after %f",
			before.Components.RecencyScore, after.Components.RecencyScore)
	}
	if after.Metrics != before.Metrics {
		t.Errorf("rescoring must not change metrics: %+v vs %+v", after.Metrics, before.Metrics)
	}

	hist, _ := store.History(ctx, HistoryQuery{Identity: alice})
	if len(hist) != 1 || hist[0].Score != after.Score {
		t.Errorf("expected one snapshot with the new score, got %+v", hist)
	}
}

func TestWorker_PagesThroughProfiles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := NewIssuer(store, nil, quietLogger())
	for i := 0; i < 5; i++ {
		other := fmt.Sprintf("0xdddd%036d", i)
		_ = issuer.Handle(ctx, settled(fmt.Sprintf("ses_%d", i), alice, other))
	}

	w := NewWorker(store, nil, time.Hour, quietLogger())
	w.batch = 2
	if n := w.Rescore(ctx); n != 6 {
		t.Errorf("expected 6 profiles rescored, got %d", n)
	}
}

func TestWorker_StartStop(t *testing.T) {
	store := NewMemoryStore()
	_ = NewIssuer(store, nil, quietLogger()).Handle(context.Background(), settled("ses_1", alice, bob))
	w := NewWorker(store, nil, 20*time.Millisecond, quietLogger())

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	time.Sleep(70 * time.Millisecond)
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	hist, _ := store.History(context.Background(), HistoryQuery{Identity: bob})
	if len(hist) < 2 {
		t.Errorf("expected an immediate pass plus ticks, got %d snapshots", len(hist))
	}
}
