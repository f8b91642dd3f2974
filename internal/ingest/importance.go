package ingest

import (
	"strings"

	"kait/internal/types"
)

// scoreImportance assigns the event's importance in [0,1] at the front
// door, before queuing. The pipeline's low-priority sampler reads it, so
// the scale only has to be consistent, not calibrated.
func scoreImportance(e *types.Event) float64 {
	var score float64
	switch e.Kind {
	case types.KindPostToolFailure:
		score = 0.9
	case types.KindUserPrompt:
		score = 0.5
		if types.HasMemoryMarker(e.Text) {
			score = 0.8
		}
		if types.HasCorrectionMarker(e.Text) && score < 0.7 {
			score = 0.7
		}
	case types.KindPreTool:
		score = 0.2
	case types.KindPostTool:
		score = 0.3
		if e.Success != nil && !*e.Success {
			score = 0.8
		}
	}

	// Long prose carries more to learn from than one-liners.
	if len(strings.TrimSpace(e.Text)) > 200 && score < 0.9 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}
