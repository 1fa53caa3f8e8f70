// Package cache memoizes the results of expensive idempotent lookups
// ("list pending tasks", "compute priority inputs", ...) for a bounded time
// and a bounded number of entries.
//
// Entries are keyed by a hash of the operation name and its canonicalized
// parameters, so calls with the same parameters in any order share an entry.
// Task and user ids found in the parameters are kept in exact secondary
// indexes so InvalidateByTask/InvalidateByUser never match by substring.
package cache
