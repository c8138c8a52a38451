package schedule

import (
	"fmt"
	"time"
)

// Builder constructs an EvalFunc from the free-form params of a schedule's
// config entry. Builders are resolved at load time; an unknown builder name
// is a definition error, the schedule never activates.
type Builder func(params map[string]any) (EvalFunc, error)

var builders = map[string]Builder{
	"date_partition": buildDatePartition,
	"static":         buildStatic,
}

// LookupBuilder returns the named built-in evaluator builder.
func LookupBuilder(name string) (Builder, bool) {
	b, ok := builders[name]
	return b, ok
}

// RegisterBuilder adds a builder under name. Later registrations win; call
// during startup, before definitions are loaded.
func RegisterBuilder(name string, b Builder) {
	builders[name] = b
}

// buildDatePartition produces one run request per tick, bound to a date
// partition offset from the tick's wall date (default: the day before, the
// usual "process yesterday's data" shape). The partition doubles as the run
// key, so catch-up re-evaluation cannot double-submit a partition.
//
// Params:
//
//	format:      partition date layout (default "2006-01-02")
//	offset_days: days added to the tick date (default -1)
//	config:      static payload merged into each request's config
func buildDatePartition(params map[string]any) (EvalFunc, error) {
	format := "2006-01-02"
	if v, ok := params["format"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("date_partition: format must be a non-empty string")
		}
		format = s
	}
	offset := -1
	if v, ok := params["offset_days"]; ok {
		n, err := asInt(v)
		if err != nil {
			return nil, fmt.Errorf("date_partition: offset_days: %w", err)
		}
		offset = n
	}
	base, err := paramConfig(params)
	if err != nil {
		return nil, fmt.Errorf("date_partition: %w", err)
	}

	return func(tc TickContext) Result {
		day := tc.ScheduledTime.AddDate(0, 0, offset)
		partition := day.Format(format)

		cfg := map[string]any{"partition": partition}
		for k, v := range base {
			cfg[k] = v
		}

		tc.Logf("resolved partition %s for tick %s", partition, tc.ScheduledTime.Format(time.RFC3339))
		return Requests(RunRequest{
			RunKey:       partition,
			PartitionKey: partition,
			Config:       cfg,
			Tags:         map[string]string{"date": partition},
		})
	}, nil
}

// buildStatic produces one run request per tick with a fixed payload. The run
// key is the scheduled instant, so a re-evaluated tick stays idempotent.
func buildStatic(params map[string]any) (EvalFunc, error) {
	base, err := paramConfig(params)
	if err != nil {
		return nil, fmt.Errorf("static: %w", err)
	}
	return func(tc TickContext) Result {
		return Requests(RunRequest{
			RunKey: tc.ScheduledTime.UTC().Format(time.RFC3339),
			Config: base,
		})
	}, nil
}

func paramConfig(params map[string]any) (map[string]any, error) {
	v, ok := params["config"]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a mapping")
	}
	return m, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
