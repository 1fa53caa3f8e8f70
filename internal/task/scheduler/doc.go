// Package scheduler decides which pending task runs next.
//
// Each tick lists pending descriptors from the store (optionally through the
// cache), scores and orders them, then dispatches those whose dependencies
// are completed, whose own schedule is due and for which a concurrency slot
// is free. Execution happens off the tick path; outcomes are reported through
// the OnResult callback.
package scheduler
