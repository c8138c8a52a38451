package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryTickRecordsOrderedAndImmutable(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range []int{1, 0, 2} { // out-of-order writes
		rec := TickRecord{
			Schedule:    "s",
			ScheduledAt: base.AddDate(0, 0, d),
			Status:      TickSuccess,
			RunKeys:     []string{"k"},
		}
		if err := m.WriteTickRecord(ctx, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	last, ok, err := m.LastTick(ctx, "s")
	if err != nil || !ok {
		t.Fatalf("LastTick: ok=%v err=%v", ok, err)
	}
	if !last.ScheduledAt.Equal(base.AddDate(0, 0, 2)) {
		t.Fatalf("last tick = %v", last.ScheduledAt)
	}

	// Re-writing an existing tick is a no-op: first write wins.
	if err := m.WriteTickRecord(ctx, TickRecord{
		Schedule:    "s",
		ScheduledAt: base.AddDate(0, 0, 2),
		Status:      TickFailure,
	}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	last, _, _ = m.LastTick(ctx, "s")
	if last.Status != TickSuccess {
		t.Fatalf("record mutated: status = %v", last.Status)
	}

	hist, err := m.TickHistory(ctx, "s", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || !hist[0].ScheduledAt.After(hist[1].ScheduledAt) {
		t.Fatalf("history not newest-first: %v", hist)
	}
}

func TestMemoryLedgerCheckAndRecord(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	first, err := m.LedgerCheckAndRecord(ctx, "s", "2021-06-01", time.Now())
	if err != nil || !first {
		t.Fatalf("first claim: admitted=%v err=%v", first, err)
	}
	second, err := m.LedgerCheckAndRecord(ctx, "s", "2021-06-01", time.Now())
	if err != nil || second {
		t.Fatalf("second claim: admitted=%v err=%v", second, err)
	}

	// Same key under another schedule is independent.
	other, err := m.LedgerCheckAndRecord(ctx, "t", "2021-06-01", time.Now())
	if err != nil || !other {
		t.Fatalf("other schedule: admitted=%v err=%v", other, err)
	}
}

func TestMemoryLedgerClaimIsExclusive(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.LedgerCheckAndRecord(ctx, "s", "contested", time.Now())
			if err != nil {
				t.Errorf("claim error: %v", err)
				return
			}
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("%d racers won the claim, want exactly 1", n)
	}
}

func TestMemoryEnsureScheduleKeepsFirstRegistration(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	t0 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := m.EnsureSchedule(ctx, "s", t0)
	if err != nil || !got.Equal(t0) {
		t.Fatalf("first ensure: %v err=%v", got, err)
	}
	got, err = m.EnsureSchedule(ctx, "s", t0.AddDate(1, 0, 0))
	if err != nil || !got.Equal(t0) {
		t.Fatalf("second ensure returned %v, want original %v", got, t0)
	}
}

func TestMemoryOverride(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, ok, _ := m.Override(ctx, "s"); ok {
		t.Fatal("override present before any set")
	}
	if err := m.SetOverride(ctx, "s", "stopped"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := m.Override(ctx, "s")
	if err != nil || !ok || v != "stopped" {
		t.Fatalf("override = %q ok=%v err=%v", v, ok, err)
	}
	// Idempotent re-set and flip.
	_ = m.SetOverride(ctx, "s", "stopped")
	_ = m.SetOverride(ctx, "s", "running")
	v, _, _ = m.Override(ctx, "s")
	if v != "running" {
		t.Fatalf("override after flip = %q", v)
	}
}
