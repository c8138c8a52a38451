package schedule

import (
	"context"
	"runtime/debug"
	"strings"
	"time"
)

// NoReason is the skip reason recorded when evaluation logic declines to run
// without saying why (returns nothing, or an empty request list).
const NoReason = "no reason given"

// Evaluation is a normalized evaluation outcome plus the log lines the
// evaluation logic emitted, verbatim and in order.
type Evaluation struct {
	Result Result
	Log    []string
}

// Evaluate runs the schedule's evaluation logic for one tick and normalizes
// whatever comes back:
//   - a panic becomes a Failure (it never crashes the dispatch loop);
//   - a zero Result or an empty request list becomes Skip(NoReason);
//   - a missing required resource is a Failure, not a silent skip;
//   - ctx cancellation (per-tick timeout, shutdown) aborts the wait and
//     reports a Failure. The evaluation goroutine itself cannot be forced to
//     stop; it finishes in the background and its result is discarded.
func Evaluate(ctx context.Context, def Definition, at time.Time, resources map[string]any) Evaluation {
	sink := &logSink{}
	tc := TickContext{
		ScheduleName:  def.Name,
		ScheduledTime: at,
		resources:     resources,
		sink:          sink,
	}

	for _, name := range def.RequiredResources {
		if _, ok := resources[name]; !ok {
			return Evaluation{
				Result: Failf("schedule %q requires resource %q, not supplied", def.Name, name),
				Log:    sink.take(),
			}
		}
	}

	resCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- Failf("panic in evaluation of %q: %v\n%s", def.Name, r, debug.Stack())
			}
		}()
		resCh <- def.Eval(tc)
	}()

	var res Result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		return Evaluation{
			Result: Failf("evaluation of %q aborted: %v", def.Name, ctx.Err()),
			Log:    sink.take(),
		}
	}

	return Evaluation{Result: normalize(res), Log: sink.take()}
}

func normalize(r Result) Result {
	switch r.kind {
	case kindRequests:
		if len(r.requests) == 0 {
			return Skip(NoReason)
		}
		return r
	case kindSkip:
		if strings.TrimSpace(r.reason) == "" {
			return Skip(NoReason)
		}
		return r
	case kindFailure:
		if r.err == nil {
			return Fail(nil)
		}
		return r
	default:
		return Skip(NoReason)
	}
}
