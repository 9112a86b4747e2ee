// Package inference holds HTTP clients for the external model collaborators:
// the diarization sidecar, the transcription sidecar, and the voiceprint
// matcher. The clients speak multipart form uploads for audio and JSON for
// results; they return plain errors and leave taxonomy classification to the
// pipeline stages that call them.
package inference
