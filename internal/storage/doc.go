// Package storage persists campaigns, messages, recipients, the attempt ledger
// and pending triggers.
//
// Drivers:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo) with embedded migrations
//   - "memory": process-local maps, used by tests and dry runs
//
// Triggers can alternatively live in a JSONL journal (see OpenTriggerJournal).
package storage
