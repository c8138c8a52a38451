package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrBadExpression marks a recurrence expression that does not parse.
	ErrBadExpression = errors.New("invalid cron expression")
	// ErrBadTimezone marks a timezone name the tz database does not know.
	ErrBadTimezone = errors.New("unknown timezone")
)

// parser accepts standard 5-field cron specs plus descriptors
// (@hourly, @daily, @weekly, @monthly, @every <duration>).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// starBit mirrors robfig/cron's marker for an unrestricted ("*" or stepped-*)
// field in a SpecSchedule bitmask.
const starBit = 1 << 63

// Rule is a parsed recurrence rule: a cron expression pinned to an IANA
// timezone. The zero value is invalid; build one with Parse.
type Rule struct {
	Expression string
	Timezone   string

	loc   *time.Location
	spec  *cron.SpecSchedule // field-based schedules
	every time.Duration      // "@every" interval schedules
}

// Parse validates expression and timezone and returns the compiled rule.
// An empty timezone means UTC.
func Parse(expression, timezone string) (Rule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return Rule{}, fmt.Errorf("%w: empty expression", ErrBadExpression)
	}

	tz := strings.TrimSpace(timezone)
	loc := time.UTC
	if tz != "" && !strings.EqualFold(tz, "UTC") {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q", ErrBadTimezone, tz)
		}
		loc = l
	} else {
		tz = "UTC"
	}

	sched, err := parser.Parse(expression)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", ErrBadExpression, expression, err)
	}

	r := Rule{Expression: expression, Timezone: tz, loc: loc}
	switch s := sched.(type) {
	case *cron.SpecSchedule:
		r.spec = s
	case cron.ConstantDelaySchedule:
		if s.Delay <= 0 {
			return Rule{}, fmt.Errorf("%w: %q: interval must be positive", ErrBadExpression, expression)
		}
		r.every = s.Delay
	default:
		return Rule{}, fmt.Errorf("%w: %q: unsupported schedule form", ErrBadExpression, expression)
	}
	return r, nil
}

// MustParse is Parse for statically known rules; it panics on error.
func MustParse(expression, timezone string) Rule {
	r, err := Parse(expression, timezone)
	if err != nil {
		panic(err)
	}
	return r
}

// Location returns the rule's timezone location (UTC for interval rules
// and rules without an explicit zone).
func (r Rule) Location() *time.Location {
	if r.loc == nil {
		return time.UTC
	}
	return r.loc
}

// Interval reports whether the rule is an "@every" fixed-interval schedule.
func (r Rule) Interval() bool { return r.every > 0 }

// HourlyOrFiner reports whether the rule's cadence is hourly or finer:
// either a fixed interval, or a cron spec whose hour field is unrestricted.
// Such rules fire by fixed absolute interval and are immune to DST shifts.
func (r Rule) HourlyOrFiner() bool {
	if r.every > 0 {
		return true
	}
	if r.spec == nil {
		return false
	}
	return r.spec.Hour&starBit != 0
}

func (r Rule) String() string {
	if r.Timezone == "" || r.Timezone == "UTC" {
		return r.Expression
	}
	return r.Expression + " [" + r.Timezone + "]"
}
