// Package logging configures slog handlers and shared attribute helpers.
//
// Two output formats are supported: a line-oriented console format for
// interactive use and JSON for ingestion. Standardized field keys (job_id,
// stage, correlation_id) are attached from context so every log line emitted
// while a worker owns a job carries the same identifiers.
package logging
