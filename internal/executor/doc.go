// Package executor runs dispatched tasks.
//
// A Router picks a runner by task type: either a command (argv run with the
// task's identity in the environment) or, on Linux, a systemd unit started
// over D-Bus whose job result decides the outcome.
package executor
