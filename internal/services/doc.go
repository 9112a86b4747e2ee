// Package services defines the shared error taxonomy and context helpers
// used across the pipeline.
//
// Errors are classified by wrapping one of the exported sentinel errors;
// Kind recovers the wire-visible classification from an error chain. The
// context helpers carry job, stage, and correlation identifiers so loggers
// can attach them without threading explicit arguments everywhere.
package services
