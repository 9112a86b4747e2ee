// Package fetch downloads remote audio into memory for the pipeline.
//
// Fetch failures are terminal for a job, so the fetcher retries transient
// errors (connection failures, 5xx) with exponential backoff before giving
// up. Client errors and oversized payloads fail immediately.
package fetch
