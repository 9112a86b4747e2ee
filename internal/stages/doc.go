// Package stages implements the pipeline stages: diarize, transcribe, align,
// and embed. Each stage is a synchronous function from (audio, prior
// outputs) to one stage output; the scheduler depends only on the Stage
// interface so tests can substitute stubs.
//
// Align and embed are pure computations over prior outputs (embed calls the
// embedding collaborator for the vectors themselves). Diarize and transcribe
// wrap the inference sidecars. Dependency violations, such as align running
// without both diarize and transcribe outputs, fail with a missing
// dependency error and are never retried.
package stages
