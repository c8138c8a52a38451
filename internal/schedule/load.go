package schedule

import (
	"errors"
	"fmt"

	"tickd/internal/config"
	"tickd/internal/cronexpr"
)

// ErrDefinition marks a schedule config entry that cannot activate:
// malformed recurrence expression, unresolvable timezone, unknown evaluator
// or bad evaluator params.
var ErrDefinition = errors.New("invalid schedule definition")

// FromConfig resolves config entries into definitions. Every entry is
// validated independently: invalid ones land in rejected (keyed by name) and
// never activate, valid ones keep running. Callers that want all-or-nothing
// (config reload validation) treat a non-empty rejected map as an error.
func FromConfig(entries []config.ScheduleConfig) (defs []Definition, rejected map[string]error) {
	rejected = map[string]error{}
	seen := map[string]bool{}
	for i, e := range entries {
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("schedules[%d]", i)
		}
		if seen[e.Name] && e.Name != "" {
			rejected[name] = fmt.Errorf("%w: duplicate name %q", ErrDefinition, e.Name)
			continue
		}
		def, err := fromEntry(e)
		if err != nil {
			rejected[name] = err
			continue
		}
		seen[e.Name] = true
		defs = append(defs, def)
	}
	return defs, rejected
}

func fromEntry(e config.ScheduleConfig) (Definition, error) {
	rule, err := cronexpr.Parse(e.Cron, e.Timezone)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: schedule %q: %v", ErrDefinition, e.Name, err)
	}

	status, err := ParseStatus(e.Status)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: schedule %q: %v", ErrDefinition, e.Name, err)
	}

	builderName := e.Evaluator
	if builderName == "" {
		builderName = "static"
	}
	builder, ok := LookupBuilder(builderName)
	if !ok {
		return Definition{}, fmt.Errorf("%w: schedule %q: unknown evaluator %q", ErrDefinition, e.Name, builderName)
	}
	eval, err := builder(e.Params)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: schedule %q: %v", ErrDefinition, e.Name, err)
	}

	def := Definition{
		Name:              e.Name,
		JobRef:            e.Job,
		Rule:              rule,
		Eval:              eval,
		RequiredResources: append([]string(nil), e.Resources...),
		DefaultStatus:     status,
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	return def, nil
}
