package ralph

import (
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
)

// stopWords are dropped before token-set comparison. Kept deliberately small;
// aggressive stop lists erase the signal in short advisory statements.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"be": true, "to": true, "of": true, "in": true, "on": true, "for": true,
	"and": true, "or": true, "it": true, "this": true, "that": true,
	"with": true, "when": true, "then": true,
}

// findDuplicate compares the candidate against the existing normalized
// statements and returns the first match at or above the configured
// threshold.
func (g *Gate) findDuplicate(statement string) (string, bool) {
	if g.dedup == nil {
		return "", false
	}
	tokens := contentTokens(statement)
	for _, existing := range g.dedup() {
		if similarity(statement, tokens, existing) >= g.cfg.DedupThreshold {
			return existing, true
		}
	}
	return "", false
}

// similarity is token-set cosine for normal statements; short statements have
// too few tokens for set overlap to mean much, so those fall back to an
// edit-distance ratio.
func similarity(statement string, tokens map[string]bool, existing string) float64 {
	existingTokens := contentTokens(existing)
	if len(tokens) < 4 || len(existingTokens) < 4 {
		return editRatio(normalizeForDedup(statement), normalizeForDedup(existing))
	}
	return cosine(tokens, existingTokens)
}

func cosine(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tok := range a {
		if b[tok] {
			shared++
		}
	}
	return float64(shared) / (math.Sqrt(float64(len(a))) * math.Sqrt(float64(len(b))))
}

func editRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

func contentTokens(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(normalizeForDedup(s)) {
		if !stopWords[tok] {
			tokens[tok] = true
		}
	}
	return tokens
}

func normalizeForDedup(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
