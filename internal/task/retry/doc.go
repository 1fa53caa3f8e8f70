// Package retry decides whether and when a failed task runs again.
//
// A Manager keeps one retry context per task (created on the first retry
// request), computes the delay before the next attempt from the configured
// strategy, and keeps (task, due time) pairs in a heap so its tick loop only
// looks at entries that are due. Due entries are handed to the OnDue callback,
// which re-admits the task toward the scheduler.
//
// Lifecycle events are published on the event bus:
//
//	retry.scheduled  retry.started  retry.completed  retry.exhausted  retry.cancelled
package retry
