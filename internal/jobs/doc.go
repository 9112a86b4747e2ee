// Package jobs owns the job record and its lifecycle.
//
// A Job moves queued -> running -> running ... -> succeeded | failed, with
// cancelled reachable only before a worker claims it. All mutation goes
// through Store.Transition, a compare-and-swap on the (status, stage) pair,
// so concurrent actors cannot double-process a job: the loser of a race
// receives a conflict error instead of silently overwriting state.
//
// Two Store implementations exist: an in-memory map for single-instance
// deployments and a SQLite-backed store for durability across restarts.
// Both are selected at process start and injected explicitly.
package jobs
