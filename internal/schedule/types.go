package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tickd/internal/cronexpr"
)

// Status is the desired state of a schedule.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ParseStatus accepts the config spellings of a status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "running", "on", "started":
		return StatusRunning, nil
	case "stopped", "off":
		return StatusStopped, nil
	default:
		return "", fmt.Errorf("invalid schedule status %q", s)
	}
}

// EffectiveStatus merges the coded default with the persisted override.
// An override, when present, always wins; the control surface writes one
// whenever an operator toggles a schedule.
func EffectiveStatus(def Definition, override Status, hasOverride bool) Status {
	if hasOverride {
		return override
	}
	if def.DefaultStatus == "" {
		return StatusRunning
	}
	return def.DefaultStatus
}

// RunRequest asks for one execution of the schedule's target job.
//
// RunKey, when set, is the idempotency key: the deduplicator admits each
// (schedule, run key) pair at most once, ever. A request without a run key is
// always admitted, which is unsafe for ticks that may be evaluated twice
// (crash between submission and tick-record write) — set one unless double
// submission is acceptable.
type RunRequest struct {
	RunKey       string
	PartitionKey string
	Config       map[string]any
	Tags         map[string]string
}

type resultKind int

const (
	kindNone resultKind = iota
	kindRequests
	kindSkip
	kindFailure
)

// Result is the tagged outcome of one evaluation: run requests, a skip with
// a reason, or a failure. The zero value normalizes to a skip.
type Result struct {
	kind     resultKind
	requests []RunRequest
	reason   string
	err      error
}

// Requests builds a Result carrying run requests, in submission order.
func Requests(reqs ...RunRequest) Result {
	return Result{kind: kindRequests, requests: reqs}
}

// Skip builds a Result that declines to run, with a human-readable reason.
func Skip(reason string) Result {
	return Result{kind: kindSkip, reason: reason}
}

// Fail builds a failed Result.
func Fail(err error) Result {
	if err == nil {
		err = errors.New("evaluation failed")
	}
	return Result{kind: kindFailure, err: err}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) Result {
	return Result{kind: kindFailure, err: fmt.Errorf(format, args...)}
}

func (r Result) IsRequests() bool         { return r.kind == kindRequests }
func (r Result) IsSkip() bool             { return r.kind == kindSkip }
func (r Result) IsFailure() bool          { return r.kind == kindFailure }
func (r Result) RunRequests() []RunRequest { return r.requests }
func (r Result) SkipReason() string       { return r.reason }
func (r Result) Err() error               { return r.err }

// EvalFunc is a schedule's evaluation logic: one tick in, one Result out.
// It must be safe to call from the dispatch loop's per-schedule goroutine.
type EvalFunc func(TickContext) Result

// NoArgs adapts evaluation logic that does not care about the tick context.
func NoArgs(fn func() Result) EvalFunc {
	return func(TickContext) Result { return fn() }
}

// Definition describes one recurring trigger. Immutable after registration;
// only its effective status changes, via the persisted override.
type Definition struct {
	Name              string
	JobRef            string
	Rule              cronexpr.Rule
	Eval              EvalFunc
	RequiredResources []string
	DefaultStatus     Status
}

// Validate checks the parts that must be resolvable at registration time.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("schedule name required")
	}
	if strings.TrimSpace(d.JobRef) == "" {
		return fmt.Errorf("schedule %q: job reference required", d.Name)
	}
	if d.Rule.Expression == "" {
		return fmt.Errorf("schedule %q: recurrence rule required", d.Name)
	}
	if d.Eval == nil {
		return fmt.Errorf("schedule %q: evaluation function required", d.Name)
	}
	switch d.DefaultStatus {
	case "", StatusRunning, StatusStopped:
	default:
		return fmt.Errorf("schedule %q: invalid default status %q", d.Name, d.DefaultStatus)
	}
	return nil
}

// TickContext carries one scheduled instant into evaluation logic. Evaluation
// reads from it; it never mutates schedule state. Log lines written through
// Logf end up verbatim, in order, on the resulting tick record.
type TickContext struct {
	ScheduleName  string
	ScheduledTime time.Time

	resources map[string]any
	sink      *logSink
}

// Resource returns a named external capability supplied by the daemon.
func (c TickContext) Resource(name string) (any, bool) {
	v, ok := c.resources[name]
	return v, ok
}

// Logf records a log line onto the tick being evaluated.
func (c TickContext) Logf(format string, args ...any) {
	if c.sink != nil {
		c.sink.append(fmt.Sprintf(format, args...))
	}
}

type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) append(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *logSink) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
