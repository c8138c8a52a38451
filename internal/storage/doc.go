// Package storage persists tick records, the submission ledger and schedule
// status overrides.
//
// Two backends share one Store interface: SQLite (durable, the production
// choice) and an in-process memory store. The ledger's check-and-record is
// the atomic primitive the deduplicator builds on.
package storage
