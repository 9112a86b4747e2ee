// Package daemon wires the job store, scheduler, webhook dispatcher, and
// HTTP API into one process and enforces single-instance execution through
// a file lock.
package daemon
