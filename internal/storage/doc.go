// Package storage provides task stores for the orchestrator.
//
// Drivers:
//   - "memory": process-local map, the default
//   - "file": the memory store plus a JSON snapshot rewritten on every change
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every driver enforces the task status transition rules and increments the
// retry count when a failed task is put back to pending.
package storage
