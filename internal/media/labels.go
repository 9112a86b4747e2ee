package media

import "fmt"

// SpeakerLabel formats the canonical label for the nth distinct speaker.
func SpeakerLabel(index int) string {
	return fmt.Sprintf("SPEAKER_%02d", index)
}

// NormalizeSpeakers rewrites segment labels to SPEAKER_00, SPEAKER_01, ...
// in order of first appearance. Upstream diarizers emit arbitrary labels;
// normalizing keeps labels stable across identical inputs.
func NormalizeSpeakers(segments []Segment) []Segment {
	mapping := make(map[string]string)
	normalized := make([]Segment, len(segments))
	for i, segment := range segments {
		label, ok := mapping[segment.Speaker]
		if !ok {
			label = SpeakerLabel(len(mapping))
			mapping[segment.Speaker] = label
		}
		normalized[i] = Segment{Speaker: label, Start: segment.Start, End: segment.End}
	}
	return normalized
}

// RelabelSegments applies a label mapping to segments, leaving unmapped
// labels untouched. Used by voiceprint identification.
func RelabelSegments(segments []Segment, mapping map[string]string) []Segment {
	if len(mapping) == 0 {
		return segments
	}
	relabeled := make([]Segment, len(segments))
	for i, segment := range segments {
		if label, ok := mapping[segment.Speaker]; ok {
			segment.Speaker = label
		}
		relabeled[i] = segment
	}
	return relabeled
}

// SpeakerLabels returns the distinct speaker labels in first-appearance order.
func SpeakerLabels(segments []Segment) []string {
	seen := make(map[string]struct{})
	labels := make([]string, 0, 4)
	for _, segment := range segments {
		if _, ok := seen[segment.Speaker]; ok {
			continue
		}
		seen[segment.Speaker] = struct{}{}
		labels = append(labels, segment.Speaker)
	}
	return labels
}

// LongestSegmentPerSpeaker picks each speaker's longest contiguous segment,
// the window embeddings are computed over.
func LongestSegmentPerSpeaker(segments []Segment) map[string]Segment {
	longest := make(map[string]Segment)
	for _, segment := range segments {
		best, ok := longest[segment.Speaker]
		if !ok || segment.Duration() > best.Duration() {
			longest[segment.Speaker] = segment
		}
	}
	return longest
}
