// Package task holds the domain model shared by the scheduler, the retry
// manager and the store adapters: task descriptors, their priority/status
// enumerations and the boundary interfaces (Store, Executor) the core depends on.
//
// Descriptors are owned by the store; the core only keeps transient,
// read-mostly copies.
package task
