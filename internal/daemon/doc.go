// Package daemon is the tick dispatch loop: each iteration it computes the
// due ticks of every running schedule, evaluates them strictly in order,
// submits admitted run requests, and commits a durable tick record per tick.
// Failures are isolated per schedule; the loop signals liveness every
// iteration no matter what the schedules did.
package daemon
