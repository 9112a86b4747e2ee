package media

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Segment is one diarization turn: a speaker label over a time interval.
type Segment struct {
	Speaker string  `json:"speaker_label"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// TranscriptSpan is one transcribed phrase with its time bounds.
type TranscriptSpan struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// AlignedSpan is a transcript span attributed to a speaker. Text is empty
// when the span comes from raw diarization rather than alignment.
type AlignedSpan struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker_label"`
	Text    string  `json:"text,omitempty"`
}

// Voiceprint pairs a caller-supplied label with an opaque voice signature.
type Voiceprint struct {
	Label string `json:"label"`
	Data  string `json:"voiceprint"`
}

// StageOutput is a tagged union over the four stage result shapes. Exactly
// one field is populated for a given stage.
type StageOutput struct {
	Diarization []Segment            `json:"diarization,omitempty"`
	Transcript  []TranscriptSpan     `json:"transcript,omitempty"`
	Alignment   []AlignedSpan        `json:"alignment,omitempty"`
	Embeddings  map[string][]float64 `json:"embeddings,omitempty"`
}

// DiarizationOutput wraps diarization segments as a stage output.
func DiarizationOutput(segments []Segment) StageOutput {
	return StageOutput{Diarization: segments}
}

// TranscriptOutput wraps transcript spans as a stage output.
func TranscriptOutput(spans []TranscriptSpan) StageOutput {
	return StageOutput{Transcript: spans}
}

// AlignmentOutput wraps aligned spans as a stage output.
func AlignmentOutput(spans []AlignedSpan) StageOutput {
	return StageOutput{Alignment: spans}
}

// EmbeddingsOutput wraps per-speaker embedding vectors as a stage output.
func EmbeddingsOutput(vectors map[string][]float64) StageOutput {
	return StageOutput{Embeddings: vectors}
}

type stageEntry struct {
	Stage  StageName
	Output StageOutput
}

// StageOutputs is an insertion-ordered map from stage name to stage result.
// Insertion order is the job's execution order, which the read path and the
// webhook payload both preserve.
type StageOutputs struct {
	entries []stageEntry
}

// Set records or replaces the output for a stage, preserving first-insertion
// order on replacement.
func (o *StageOutputs) Set(stage StageName, output StageOutput) {
	for i := range o.entries {
		if o.entries[i].Stage == stage {
			o.entries[i].Output = output
			return
		}
	}
	o.entries = append(o.entries, stageEntry{Stage: stage, Output: output})
}

// Get returns the output for a stage and whether the stage has completed.
func (o *StageOutputs) Get(stage StageName) (StageOutput, bool) {
	for _, entry := range o.entries {
		if entry.Stage == stage {
			return entry.Output, true
		}
	}
	return StageOutput{}, false
}

// Has reports whether the stage has a recorded output.
func (o *StageOutputs) Has(stage StageName) bool {
	_, ok := o.Get(stage)
	return ok
}

// Stages returns the recorded stage names in execution order.
func (o *StageOutputs) Stages() []StageName {
	names := make([]StageName, len(o.entries))
	for i, entry := range o.entries {
		names[i] = entry.Stage
	}
	return names
}

// Len returns the number of recorded outputs.
func (o *StageOutputs) Len() int {
	return len(o.entries)
}

// Clone returns a copy sharing no entry slice with the receiver. The output
// payloads themselves are not deep-copied; stages treat them as immutable
// once recorded.
func (o *StageOutputs) Clone() StageOutputs {
	clone := StageOutputs{entries: make([]stageEntry, len(o.entries))}
	copy(clone.entries, o.entries)
	return clone
}

// MarshalJSON renders the outputs as a JSON object whose keys appear in
// execution order.
func (o StageOutputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range o.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(entry.Stage))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(entry.Output)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores the outputs, preserving the key order of the
// serialized object.
func (o *StageOutputs) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("stage outputs: expected object, got %v", token)
	}
	o.entries = nil
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return err
		}
		key, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("stage outputs: expected string key, got %v", keyToken)
		}
		stage, err := ParseStage(key)
		if err != nil {
			return fmt.Errorf("stage outputs: %w", err)
		}
		var output StageOutput
		if err := decoder.Decode(&output); err != nil {
			return err
		}
		o.entries = append(o.entries, stageEntry{Stage: stage, Output: output})
	}
	if _, err := decoder.Token(); err != nil {
		return err
	}
	return nil
}
