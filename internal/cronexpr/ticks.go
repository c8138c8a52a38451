package cronexpr

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// TicksInRange returns every tick of r that falls in (startExclusive,
// endInclusive], in strictly increasing absolute order with no duplicates.
// The result is deterministic for identical inputs; returned instants carry
// the rule's location for readable formatting.
//
// DST handling for field-based rules:
//   - A wall time erased by a spring-forward gap fires once, at the first
//     instant after the gap.
//   - A wall time repeated by a fall-back fires once, at the later of the
//     two instants.
//   - Rules with hourly-or-finer cadence (unrestricted hour field, or
//     "@every" intervals) fire by fixed absolute interval instead: one tick
//     per repetition, nothing skipped and nothing doubled.
func TicksInRange(r Rule, startExclusive, endInclusive time.Time) []time.Time {
	if !endInclusive.After(startExclusive) {
		return nil
	}
	if r.every > 0 {
		return intervalTicks(r.every, startExclusive, endInclusive, r.Location())
	}
	if r.spec == nil {
		return nil
	}
	return specTicks(r, startExclusive, endInclusive)
}

// Next returns the first tick of r strictly after the given instant, searching
// up to five years ahead. ok is false if no tick exists in that horizon
// (possible for impossible field combinations like Feb 30).
func Next(r Rule, after time.Time) (next time.Time, ok bool) {
	const window = 35 * 24 * time.Hour
	horizon := after.AddDate(5, 0, 1)
	for lo := after; lo.Before(horizon); lo = lo.Add(window) {
		hi := lo.Add(window)
		if hi.After(horizon) {
			hi = horizon
		}
		if ticks := TicksInRange(r, lo, hi); len(ticks) > 0 {
			return ticks[0], true
		}
	}
	return time.Time{}, false
}

// intervalTicks enumerates "@every" ticks anchored to the Unix epoch, so the
// series is reproducible across restarts and unaffected by zone transitions.
func intervalTicks(every time.Duration, start, end time.Time, loc *time.Location) []time.Time {
	first := start.Truncate(every).Add(every)
	for !first.After(start) {
		first = first.Add(every)
	}
	var ticks []time.Time
	for t := first; !t.After(end); t = t.Add(every) {
		ticks = append(ticks, t.In(loc))
	}
	return ticks
}

func specTicks(r Rule, start, end time.Time) []time.Time {
	spec := r.spec
	loc := r.Location()
	fixedCadence := spec.Hour&starBit != 0

	// The calendar cursor walks wall dates in UTC so day arithmetic never
	// touches a transition; only the resolution of each candidate wall time
	// consults the rule's zone. One day of slack on both ends covers
	// candidates whose resolved instant shifts across the range boundary.
	startLocal := start.In(loc)
	endLocal := end.In(loc)
	day := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	lastDay := time.Date(endLocal.Year(), endLocal.Month(), endLocal.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	var raw []time.Time
	for ; !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		if spec.Month&(1<<uint(day.Month())) == 0 {
			continue
		}
		if !dayMatches(spec, day) {
			continue
		}
		for h := 0; h < 24; h++ {
			if spec.Hour&(1<<uint(h)) == 0 {
				continue
			}
			for m := 0; m < 60; m++ {
				if spec.Minute&(1<<uint(m)) == 0 {
					continue
				}
				instants := localInstants(day.Year(), day.Month(), day.Day(), h, m, loc)
				switch {
				case len(instants) == 0:
					// Wall time erased by a spring-forward gap.
					if fixedCadence {
						// The shifted wall clock already covers this
						// repetition; adjusting would double-fire.
						continue
					}
					if adj, ok := firstAfterGap(day.Year(), day.Month(), day.Day(), h, m, loc); ok {
						raw = append(raw, adj)
					}
				case len(instants) == 1:
					raw = append(raw, instants[0])
				default:
					// Wall time repeated by a fall-back.
					if fixedCadence {
						raw = append(raw, instants...)
					} else {
						raw = append(raw, instants[len(instants)-1])
					}
				}
			}
		}
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].Before(raw[j]) })

	ticks := make([]time.Time, 0, len(raw))
	for _, t := range raw {
		if !t.After(start) || t.After(end) {
			continue
		}
		if n := len(ticks); n > 0 && ticks[n-1].Equal(t) {
			continue
		}
		ticks = append(ticks, t.In(loc))
	}
	return ticks
}

// dayMatches applies cron's dom/dow union rule: when both fields are
// restricted, a day matches if either does; otherwise both must match.
func dayMatches(spec *cron.SpecSchedule, day time.Time) bool {
	dom := spec.Dom&(1<<uint(day.Day())) != 0
	dow := spec.Dow&(1<<uint(day.Weekday())) != 0
	if spec.Dom&starBit != 0 || spec.Dow&starBit != 0 {
		return dom && dow
	}
	return dom || dow
}

// localInstants returns every absolute instant whose wall clock in loc reads
// exactly the given components: zero for a gapped time, one normally, two for
// a time repeated by a fall-back. The result is sorted ascending.
func localInstants(year int, month time.Month, dayNum, hour, min int, loc *time.Location) []time.Time {
	wall := time.Date(year, month, dayNum, hour, min, 0, 0, time.UTC)

	var out []time.Time
	for _, off := range candidateOffsets(wall, loc) {
		inst := wall.Add(-time.Duration(off) * time.Second)
		l := inst.In(loc)
		if l.Year() == year && l.Month() == month && l.Day() == dayNum && l.Hour() == hour && l.Minute() == min {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	n := 0
	for i, t := range out {
		if i == 0 || !t.Equal(out[i-1]) {
			out[n] = t
			n++
		}
	}
	return out[:n]
}

// candidateOffsets samples the zone offsets in effect around the wall time
// (interpreted as UTC), catching both sides of any transition within ±26h.
func candidateOffsets(wallUTC time.Time, loc *time.Location) []int {
	var offs []int
	for _, dh := range []time.Duration{-26, -12, 0, 12, 26} {
		_, off := wallUTC.Add(dh * time.Hour).In(loc).Zone()
		dup := false
		for _, o := range offs {
			if o == off {
				dup = true
				break
			}
		}
		if !dup {
			offs = append(offs, off)
		}
	}
	return offs
}

// firstAfterGap walks forward in wall-clock minutes from a nonexistent local
// time until it finds one that exists and returns its earliest instant, which
// is the moment the gap closes (a 02:30 trigger on a 02:00→03:00 gap day
// fires at 03:00 sharp).
func firstAfterGap(year int, month time.Month, dayNum, hour, min int, loc *time.Location) (time.Time, bool) {
	wall := time.Date(year, month, dayNum, hour, min, 0, 0, time.UTC)
	// Gaps are at most a couple of hours; 26h is a hard stop, not a bound
	// we expect to reach.
	for i := 0; i < 26*60; i++ {
		wall = wall.Add(time.Minute)
		if inst := localInstants(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), loc); len(inst) > 0 {
			return inst[0], true
		}
	}
	return time.Time{}, false
}
