// Package media defines the value types flowing through the speech pipeline.
//
// A recording moves through up to four stages. Each stage produces one
// StageOutput variant: diarization segments, transcript spans, aligned spans,
// or per-speaker embeddings. StageOutputs preserves execution order so the
// job read path can report partial progress.
//
// All timestamps are seconds as float64, non-negative, with end > start.
// Speaker labels are assigned in order of first appearance (SPEAKER_00,
// SPEAKER_01, ...) unless voiceprint identification relabels them.
package media
