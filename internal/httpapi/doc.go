// Package httpapi exposes the job service over HTTP.
//
// Submission endpoints return 202 with a job id; callers either poll the
// job snapshot, block on the synchronous variant, or receive the result by
// webhook. Errors are reported as {error, kind} JSON where the kind matches
// the service error taxonomy, so clients can branch without parsing
// messages.
package httpapi
