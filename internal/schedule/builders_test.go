package schedule

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"tickd/internal/cronexpr"
)

func TestDatePartitionOffsetByOne(t *testing.T) {
	t.Parallel()
	// A midnight Pacific schedule evaluated for the 2020-04-02 tick targets
	// the previous day's partition.
	build, ok := LookupBuilder("date_partition")
	if !ok {
		t.Fatal("date_partition builder missing")
	}
	eval, err := build(nil)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	rule := cronexpr.MustParse("0 0 * * *", "US/Pacific")
	def := Definition{Name: "nightly", JobRef: "report", Rule: rule, Eval: eval}

	tick := time.Date(2020, 4, 2, 0, 0, 0, 0, rule.Location())
	ev := Evaluate(context.Background(), def, tick, nil)
	if !ev.Result.IsRequests() {
		t.Fatalf("result = %+v, want requests", ev.Result)
	}
	req := ev.Result.RunRequests()[0]
	if req.PartitionKey != "2020-04-01" {
		t.Fatalf("partition = %q, want 2020-04-01", req.PartitionKey)
	}
	if req.RunKey != "2020-04-01" {
		t.Fatalf("run key = %q, want 2020-04-01", req.RunKey)
	}
	if req.Tags["date"] != "2020-04-01" {
		t.Fatalf("tags = %v, want date=2020-04-01", req.Tags)
	}
}

func TestDatePartitionParams(t *testing.T) {
	t.Parallel()
	build, _ := LookupBuilder("date_partition")
	eval, err := build(map[string]any{
		"format":      "20060102",
		"offset_days": 0,
		"config":      map[string]any{"table": "events"},
	})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	tick := time.Date(2021, 12, 31, 6, 0, 0, 0, time.UTC)
	res := normalize(eval(TickContext{ScheduleName: "s", ScheduledTime: tick}))
	req := res.RunRequests()[0]
	if req.PartitionKey != "20211231" {
		t.Fatalf("partition = %q, want 20211231", req.PartitionKey)
	}
	if req.Config["table"] != "events" || req.Config["partition"] != "20211231" {
		t.Fatalf("config = %v", req.Config)
	}
}

func TestDatePartitionRejectsBadParams(t *testing.T) {
	t.Parallel()
	build, _ := LookupBuilder("date_partition")
	for name, params := range map[string]map[string]any{
		"bad format": {"format": 7},
		"bad offset": {"offset_days": "yesterday"},
		"bad config": {"config": "nope"},
	} {
		if _, err := build(params); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestStaticRunKeyIsScheduledTime(t *testing.T) {
	t.Parallel()
	build, ok := LookupBuilder("static")
	if !ok {
		t.Fatal("static builder missing")
	}
	eval, err := build(map[string]any{"config": map[string]any{"mode": "full"}})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	tick := time.Date(2021, 6, 2, 3, 30, 0, 0, time.UTC)
	res := normalize(eval(TickContext{ScheduledTime: tick}))
	req := res.RunRequests()[0]
	if req.RunKey != "2021-06-02T03:30:00Z" {
		t.Fatalf("run key = %q", req.RunKey)
	}
	if req.Config["mode"] != "full" {
		t.Fatalf("config = %v", req.Config)
	}
}
