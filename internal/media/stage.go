package media

import (
	"fmt"
	"strings"
)

// StageName identifies one unit of the processing pipeline.
type StageName string

const (
	StageDiarize    StageName = "diarize"
	StageTranscribe StageName = "transcribe"
	StageAlign      StageName = "align"
	StageEmbed      StageName = "embed"
)

// AllStages lists every known stage in canonical pipeline order.
func AllStages() []StageName {
	return []StageName{StageDiarize, StageTranscribe, StageAlign, StageEmbed}
}

// ParseStage normalizes and validates a stage name.
func ParseStage(value string) (StageName, error) {
	name := StageName(strings.ToLower(strings.TrimSpace(value)))
	switch name {
	case StageDiarize, StageTranscribe, StageAlign, StageEmbed:
		return name, nil
	default:
		return "", fmt.Errorf("unknown stage %q", value)
	}
}

// ParseStages validates an ordered stage list, rejecting empty lists and
// duplicates. The returned order is the caller's requested execution order.
func ParseStages(values []string) ([]StageName, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("stage list is empty")
	}
	seen := make(map[StageName]struct{}, len(values))
	stages := make([]StageName, 0, len(values))
	for _, value := range values {
		stage, err := ParseStage(value)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[stage]; dup {
			return nil, fmt.Errorf("duplicate stage %q", stage)
		}
		seen[stage] = struct{}{}
		stages = append(stages, stage)
	}
	return stages, nil
}

// StageStrings converts a stage list back to plain strings for persistence.
func StageStrings(stages []StageName) []string {
	out := make([]string, len(stages))
	for i, stage := range stages {
		out[i] = string(stage)
	}
	return out
}
