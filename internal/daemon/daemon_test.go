package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"tickd/internal/cronexpr"
	"tickd/internal/launch"
	"tickd/internal/schedule"
	"tickd/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store *storage.Memory
	rec   *launch.Recorder
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config, defs ...schedule.Definition) *harness {
	t.Helper()
	reg, err := schedule.NewRegistry(defs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := storage.NewMemory()
	rec := launch.NewRecorder()
	svc := New(cfg, Deps{Registry: reg, Store: store, Launcher: rec})
	clock := &fakeClock{t: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return &harness{svc: svc, store: store, rec: rec, clock: clock}
}

// iterate runs one dispatch pass and waits for all schedules to finish.
func (h *harness) iterate(ctx context.Context) {
	h.svc.Iterate(ctx)
	h.svc.Wait()
}

// register seeds the schedule's registration time so ticks between it and the
// clock are due.
func (h *harness) register(t *testing.T, name string, at time.Time) {
	t.Helper()
	if _, err := h.store.EnsureSchedule(context.Background(), name, at); err != nil {
		t.Fatalf("EnsureSchedule: %v", err)
	}
}

// history returns the schedule's tick records, oldest first.
func (h *harness) history(t *testing.T, name string) []storage.TickRecord {
	t.Helper()
	recs, err := h.store.TickHistory(context.Background(), name, 100)
	if err != nil {
		t.Fatalf("TickHistory: %v", err)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

func mustRule(t *testing.T, expr, tz string) cronexpr.Rule {
	t.Helper()
	r, err := cronexpr.Parse(expr, tz)
	if err != nil {
		t.Fatalf("Parse(%q, %q): %v", expr, tz, err)
	}
	return r
}

func fixedKeyEval(key string) schedule.EvalFunc {
	return func(schedule.TickContext) schedule.Result {
		return schedule.Requests(schedule.RunRequest{RunKey: key})
	}
}

func staticDef(t *testing.T, name string) schedule.Definition {
	t.Helper()
	builder, ok := schedule.LookupBuilder("static")
	if !ok {
		t.Fatal("static builder not registered")
	}
	eval, err := builder(nil)
	if err != nil {
		t.Fatalf("static builder: %v", err)
	}
	return schedule.Definition{
		Name:   name,
		JobRef: "job",
		Rule:   mustRule(t, "0 * * * *", ""),
		Eval:   eval,
	}
}

func TestNightlyPartitionRunRequest(t *testing.T) {
	t.Parallel()
	builder, ok := schedule.LookupBuilder("date_partition")
	if !ok {
		t.Fatal("date_partition builder not registered")
	}
	eval, err := builder(nil)
	if err != nil {
		t.Fatalf("date_partition builder: %v", err)
	}
	def := schedule.Definition{
		Name:   "nightly",
		JobRef: "report",
		Rule:   mustRule(t, "0 0 * * *", "US/Pacific"),
		Eval:   eval,
	}

	h := newHarness(t, Config{}, def)
	h.register(t, "nightly", time.Date(2020, 4, 1, 8, 0, 0, 0, time.UTC))
	// Midnight Pacific on April 2nd.
	h.clock.Set(time.Date(2020, 4, 2, 7, 0, 0, 0, time.UTC))
	h.iterate(context.Background())

	specs := h.rec.Specs()
	if len(specs) != 1 {
		t.Fatalf("submitted %d runs, want 1: %+v", len(specs), specs)
	}
	got := specs[0]
	if got.JobRef != "report" || got.ScheduleName != "nightly" {
		t.Fatalf("spec = %+v", got)
	}
	if got.RunKey != "2020-04-01" || got.PartitionKey != "2020-04-01" {
		t.Fatalf("keys = %q / %q, want 2020-04-01", got.RunKey, got.PartitionKey)
	}
	if got.Tags["date"] != "2020-04-01" {
		t.Fatalf("tags = %v", got.Tags)
	}

	recs := h.history(t, "nightly")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != storage.TickSuccess {
		t.Fatalf("status = %q", rec.Status)
	}
	if !rec.ScheduledAt.Equal(time.Date(2020, 4, 2, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("scheduled_at = %v", rec.ScheduledAt)
	}
	if len(rec.RunKeys) != 1 || rec.RunKeys[0] != "2020-04-01" {
		t.Fatalf("run keys = %v", rec.RunKeys)
	}
}

func TestCatchupCapDefersOldestFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxCatchupTicks: 3}, staticDef(t, "hourly"))
	h.register(t, "hourly", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC))
	h.clock.Set(time.Date(2021, 1, 1, 10, 30, 0, 0, time.UTC)) // 10 ticks overdue

	ctx := context.Background()
	h.iterate(ctx)
	recs := h.history(t, "hourly")
	if len(recs) != 3 {
		t.Fatalf("records after first pass = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		want := time.Date(2021, 1, 1, 1+i, 0, 0, 0, time.UTC)
		if !rec.ScheduledAt.Equal(want) {
			t.Fatalf("record %d scheduled_at = %v, want %v", i, rec.ScheduledAt, want)
		}
	}

	// The remainder carries over to the next pass.
	h.iterate(ctx)
	recs = h.history(t, "hourly")
	if len(recs) != 6 {
		t.Fatalf("records after second pass = %d, want 6", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i].ScheduledAt.After(recs[i-1].ScheduledAt) {
			t.Fatalf("records not strictly increasing: %v then %v",
				recs[i-1].ScheduledAt, recs[i].ScheduledAt)
		}
	}
}

func TestFailedTickDoesNotStopLaterTicks(t *testing.T) {
	t.Parallel()
	failAt := time.Date(2021, 1, 1, 1, 0, 0, 0, time.UTC)
	def := schedule.Definition{
		Name:   "flaky",
		JobRef: "job",
		Rule:   mustRule(t, "0 * * * *", ""),
		Eval: func(tc schedule.TickContext) schedule.Result {
			if tc.ScheduledTime.Equal(failAt) {
				return schedule.Failf("boom at %v", tc.ScheduledTime)
			}
			return schedule.Requests(schedule.RunRequest{
				RunKey: tc.ScheduledTime.UTC().Format(time.RFC3339),
			})
		},
	}

	h := newHarness(t, Config{}, def)
	h.register(t, "flaky", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC))
	h.clock.Set(time.Date(2021, 1, 1, 3, 30, 0, 0, time.UTC)) // due: 01:00 02:00 03:00

	ctx := context.Background()
	h.iterate(ctx)
	recs := h.history(t, "flaky")
	if len(recs) != 1 || recs[0].Status != storage.TickFailure {
		t.Fatalf("after first pass: %+v, want one failure record", recs)
	}
	if recs[0].Error == "" {
		t.Fatal("failure record has no error")
	}

	// The failed tick is recorded, not retried; the ticks behind it run on
	// the next pass.
	h.iterate(ctx)
	recs = h.history(t, "flaky")
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	wantStatus := []storage.TickStatus{storage.TickFailure, storage.TickSuccess, storage.TickSuccess}
	for i, rec := range recs {
		if rec.Status != wantStatus[i] {
			t.Fatalf("record %d status = %q, want %q", i, rec.Status, wantStatus[i])
		}
	}
}

func TestDuplicateRunKeyDropped(t *testing.T) {
	t.Parallel()
	def := schedule.Definition{
		Name:   "dupes",
		JobRef: "job",
		Rule:   mustRule(t, "0 * * * *", ""),
		Eval:   fixedKeyEval("always-the-same"),
	}

	h := newHarness(t, Config{}, def)
	h.register(t, "dupes", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC))
	h.clock.Set(time.Date(2021, 1, 1, 2, 30, 0, 0, time.UTC)) // two ticks due
	h.iterate(context.Background())

	if specs := h.rec.Specs(); len(specs) != 1 {
		t.Fatalf("submitted %d runs, want 1", len(specs))
	}
	recs := h.history(t, "dupes")
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if len(recs[0].RunKeys) != 1 {
		t.Fatalf("first tick run keys = %v", recs[0].RunKeys)
	}
	second := recs[1]
	if second.Status != storage.TickSuccess {
		t.Fatalf("second tick status = %q", second.Status)
	}
	if len(second.RunKeys) != 0 {
		t.Fatalf("second tick run keys = %v, want none", second.RunKeys)
	}
	if !strings.Contains(second.Log, "already submitted") {
		t.Fatalf("second tick log = %q", second.Log)
	}
}

func TestStopAndStartSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, staticDef(t, "hourly"))
	h.register(t, "hourly", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC))
	h.clock.Set(time.Date(2021, 1, 1, 1, 30, 0, 0, time.UTC))

	ctx := context.Background()
	if err := h.svc.StopSchedule(ctx, "hourly"); err != nil {
		t.Fatalf("StopSchedule: %v", err)
	}
	h.iterate(ctx)
	if recs := h.history(t, "hourly"); len(recs) != 0 {
		t.Fatalf("stopped schedule ticked: %+v", recs)
	}

	if err := h.svc.StartSchedule(ctx, "hourly"); err != nil {
		t.Fatalf("StartSchedule: %v", err)
	}
	h.iterate(ctx)
	if recs := h.history(t, "hourly"); len(recs) != 1 {
		t.Fatalf("restarted schedule records = %d, want 1", len(recs))
	}

	if err := h.svc.StartSchedule(ctx, "nope"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("StartSchedule(nope) = %v, want ErrUnknownSchedule", err)
	}
}

func TestSubmissionFailureKeepsTickSuccess(t *testing.T) {
	t.Parallel()
	def := schedule.Definition{
		Name:   "lossy",
		JobRef: "job",
		Rule:   mustRule(t, "0 * * * *", ""),
		Eval:   fixedKeyEval("one-shot"),
	}

	h := newHarness(t, Config{}, def)
	h.register(t, "lossy", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC))
	h.clock.Set(time.Date(2021, 1, 1, 1, 30, 0, 0, time.UTC))
	h.rec.FailWith(errors.New("runtime unreachable"))

	ctx := context.Background()
	h.iterate(ctx)
	recs := h.history(t, "lossy")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != storage.TickSuccess {
		t.Fatalf("status = %q, want success", rec.Status)
	}
	if len(rec.RunKeys) != 0 {
		t.Fatalf("run keys = %v, want none", rec.RunKeys)
	}
	if !strings.Contains(rec.Log, "submission failed") {
		t.Fatalf("log = %q", rec.Log)
	}

	// The key was claimed before the failed submission, so even with the
	// runtime back, the next tick with the same key never submits.
	h.rec.FailWith(nil)
	h.clock.Set(time.Date(2021, 1, 1, 2, 30, 0, 0, time.UTC))
	h.iterate(ctx)
	if specs := h.rec.Specs(); len(specs) != 0 {
		t.Fatalf("resubmitted a claimed key: %+v", specs)
	}
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, staticDef(t, "hourly"))

	ctx := context.Background()
	at := time.Date(2021, 6, 1, 4, 0, 0, 0, time.UTC)
	ev, err := h.svc.DryRun(ctx, "hourly", at)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if !ev.Result.IsRequests() || len(ev.Result.RunRequests()) != 1 {
		t.Fatalf("dry-run result = %+v", ev.Result)
	}

	if specs := h.rec.Specs(); len(specs) != 0 {
		t.Fatalf("dry run submitted: %+v", specs)
	}
	if _, ok, _ := h.store.LastTick(ctx, "hourly"); ok {
		t.Fatal("dry run wrote a tick record")
	}

	if _, err := h.svc.DryRun(ctx, "nope", at); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("DryRun(nope) = %v, want ErrUnknownSchedule", err)
	}
}

func TestIterateBeatsEveryIteration(t *testing.T) {
	t.Parallel()
	def := schedule.Definition{
		Name:   "broken",
		JobRef: "job",
		Rule:   mustRule(t, "0 * * * *", ""),
		Eval: func(schedule.TickContext) schedule.Result {
			return schedule.Failf("always fails")
		},
	}

	reg, err := schedule.NewRegistry(def)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var mu sync.Mutex
	beats := 0
	svc := New(Config{}, Deps{
		Registry: reg,
		Store:    storage.NewMemory(),
		Launcher: launch.NewRecorder(),
		Beat: func() {
			mu.Lock()
			beats++
			mu.Unlock()
		},
	})
	clock := &fakeClock{t: time.Date(2021, 1, 1, 5, 30, 0, 0, time.UTC)}
	svc.now = clock.Now

	ctx := context.Background()
	svc.Iterate(ctx)
	svc.Wait()
	svc.Iterate(ctx)
	svc.Wait()

	mu.Lock()
	got := beats
	mu.Unlock()
	if got != 2 {
		t.Fatalf("beats = %d, want 2", got)
	}
	if !svc.LastBeat().Equal(clock.Now()) {
		t.Fatalf("LastBeat = %v, want %v", svc.LastBeat(), clock.Now())
	}
}

func TestSchedulesReportsStatusAndNextTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, staticDef(t, "hourly"))
	h.clock.Set(time.Date(2021, 1, 1, 5, 30, 0, 0, time.UTC))

	ctx := context.Background()
	infos := h.svc.Schedules(ctx)
	if len(infos) != 1 {
		t.Fatalf("infos = %+v", infos)
	}
	info := infos[0]
	if info.Status != schedule.StatusRunning {
		t.Fatalf("status = %q, want running", info.Status)
	}
	if !info.HasNextTick || !info.NextTick.Equal(time.Date(2021, 1, 1, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("next tick = %v (%v)", info.NextTick, info.HasNextTick)
	}

	if err := h.svc.StopSchedule(ctx, "hourly"); err != nil {
		t.Fatalf("StopSchedule: %v", err)
	}
	infos = h.svc.Schedules(ctx)
	if infos[0].Status != schedule.StatusStopped {
		t.Fatalf("status after stop = %q", infos[0].Status)
	}
}
