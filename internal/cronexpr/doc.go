// Package cronexpr turns recurrence rules (cron expression + IANA timezone)
// into discrete tick instants.
//
// Expressions are parsed with robfig/cron's 5-field grammar plus descriptors;
// tick enumeration is done here rather than through Schedule.Next so that
// daylight-saving gaps and repeats resolve the way the dispatch loop needs:
// gapped wall times fire once after the gap, repeated wall times fire once at
// the later instant, and hourly-or-finer rules fire by fixed absolute
// interval.
package cronexpr
