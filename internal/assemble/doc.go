// Package assemble builds the canonical job result from recorded stage
// outputs. Assembly fails closed: a requested stage with no recorded output
// is an incomplete job, which the scheduler maps to a failed status.
package assemble
