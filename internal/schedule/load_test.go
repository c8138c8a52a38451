package schedule

import (
	"errors"
	"testing"

	"tickd/internal/config"
)

func TestFromConfigResolvesEntries(t *testing.T) {
	t.Parallel()
	defs, rejected := FromConfig([]config.ScheduleConfig{
		{
			Name:      "nightly",
			Job:       "report",
			Cron:      "0 0 * * *",
			Timezone:  "US/Pacific",
			Evaluator: "date_partition",
			Status:    "running",
		},
		{
			Name: "pinger",
			Job:  "ping",
			Cron: "@every 5m",
		},
	})
	if len(rejected) != 0 {
		t.Fatalf("rejected = %v", rejected)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Rule.Timezone != "US/Pacific" {
		t.Fatalf("timezone = %q", defs[0].Rule.Timezone)
	}
	if defs[1].Eval == nil {
		t.Fatal("default evaluator not bound")
	}
}

func TestFromConfigRejectsIndependently(t *testing.T) {
	t.Parallel()
	defs, rejected := FromConfig([]config.ScheduleConfig{
		{Name: "good", Job: "j", Cron: "0 6 * * *"},
		{Name: "bad-cron", Job: "j", Cron: "not a cron"},
		{Name: "bad-tz", Job: "j", Cron: "0 6 * * *", Timezone: "Nowhere/Z"},
		{Name: "bad-eval", Job: "j", Cron: "0 6 * * *", Evaluator: "mystery"},
		{Name: "good", Job: "j", Cron: "0 7 * * *"}, // duplicate name
	})

	if len(defs) != 1 || defs[0].Name != "good" {
		t.Fatalf("defs = %+v, want only the first good one", defs)
	}
	for _, name := range []string{"bad-cron", "bad-tz", "bad-eval"} {
		err, ok := rejected[name]
		if !ok {
			t.Fatalf("%s not rejected: %v", name, rejected)
		}
		if !errors.Is(err, ErrDefinition) {
			t.Fatalf("%s error = %v, want ErrDefinition", name, err)
		}
	}
	if len(rejected) != 4 {
		t.Fatalf("rejected = %v, want 4 entries", rejected)
	}
}
