// Package scheduler admits jobs and runs them through the stage pipeline.
//
// Admission is backpressured: a bounded queue fronts a fixed worker pool,
// and a full queue rejects the submission outright rather than letting
// callers pile up behind slow inference. Workers claim a queued job with a
// compare-and-swap transition, so a cancel that lands first wins and the
// worker simply moves on.
package scheduler
