// Package schedule defines recurring triggers and evaluates their ticks.
//
// A Definition binds a name, a target job, a recurrence rule and an EvalFunc.
// Evaluate invokes the EvalFunc for one tick and normalizes the outcome into
// a tagged Result: run requests, a skip with a reason, or a failure. The
// Registry holds the active definition set as an atomically swappable
// snapshot so config reloads never race the dispatch loop.
package schedule
