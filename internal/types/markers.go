package types

import "strings"

// Explicit memory markers that force HIGH queue priority and bias the
// importance scorer. Lowercase; matching is case-insensitive.
var memoryMarkers = []string{
	"remember",
	"always",
	"never",
	"important:",
	"don't forget",
	"note for next time",
}

// Correction markers signal the user is fixing the agent, which is where
// real learning lives.
var correctionMarkers = []string{
	"actually",
	"no,",
	"that's wrong",
	"that is wrong",
	"incorrect",
	"you should have",
}

// HasMemoryMarker reports whether text contains an explicit memory marker.
func HasMemoryMarker(text string) bool {
	return containsAny(text, memoryMarkers)
}

// HasCorrectionMarker reports whether text looks like a user correction.
func HasCorrectionMarker(text string) bool {
	return containsAny(text, correctionMarkers)
}

func containsAny(text string, markers []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
