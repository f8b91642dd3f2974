// Package cognitive implements the reliability-scored insight store. One
// writer goroutine owns all mutations; readers take snapshot copies. The
// full store is persisted to cognitive_insights.json via temp+rename with
// canonical ordering so that serialize-reload-serialize is byte-identical.
package cognitive

import (
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"time"
)

// Category buckets an insight by what it teaches.
type Category string

const (
	CategoryWisdom            Category = "wisdom"
	CategorySelfAwareness     Category = "self_awareness"
	CategoryUserUnderstanding Category = "user_understanding"
	CategoryReasoning         Category = "reasoning"
	CategoryMetaLearning      Category = "meta_learning"
	CategoryOther             Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryWisdom, CategorySelfAwareness, CategoryUserUnderstanding,
		CategoryReasoning, CategoryMetaLearning, CategoryOther:
		return true
	}
	return false
}

// categoryWeights bias advisory readiness. Wisdom and reasoning translate
// most directly into pre-tool advice.
var categoryWeights = map[Category]float64{
	CategoryWisdom:            1.0,
	CategoryReasoning:         0.95,
	CategoryUserUnderstanding: 0.85,
	CategoryMetaLearning:      0.8,
	CategorySelfAwareness:     0.7,
	CategoryOther:             0.6,
}

// Insight is a distilled, reliability-scored statement of learned behavior.
// Insights are never deleted; a promoted insight can only be demoted.
type Insight struct {
	Key            string   `json:"key"`
	Category       Category `json:"category"`
	Statement      string   `json:"statement"`
	Reliability    float64  `json:"reliability"`
	Validations    int      `json:"validations"`
	Contradictions int      `json:"contradictions"`
	Confidence     float64  `json:"confidence"` // Wilson lower bound on reliability
	Promoted       bool     `json:"promoted"`
	PromotedTo     string   `json:"promoted_to,omitempty"`

	// Evidence and CounterExamples are bounded rings of the last N
	// supporting / refuting event ids.
	Evidence        []string `json:"evidence,omitempty"`
	CounterExamples []string `json:"counter_examples,omitempty"`

	Source            string    `json:"source,omitempty"`
	Domains           []string  `json:"domains,omitempty"`
	Tools             []string  `json:"tools,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastValidatedAt   time.Time `json:"last_validated_at"`
	AdvisoryReadiness float64   `json:"advisory_readiness"`
}

var spaceRe = regexp.MustCompile(`\s+`)

// NormalizeStatement lowercases, collapses whitespace, and strips trailing
// punctuation so that equivalent statements hash to the same key.
func NormalizeStatement(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimRight(s, ".!? ")
}

// KeyFor returns the stable insight key: an FNV-1a hash of
// category + normalized statement.
func KeyFor(category Category, statement string) string {
	h := fnv.New64a()
	h.Write([]byte(string(category)))
	h.Write([]byte("|"))
	h.Write([]byte(NormalizeStatement(statement)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// recomputeReliability applies the core invariant:
// reliability = validations / (validations + contradictions), else 0.
func (in *Insight) recomputeReliability() {
	total := in.Validations + in.Contradictions
	if total == 0 {
		in.Reliability = 0
		in.Confidence = 0
		return
	}
	in.Reliability = float64(in.Validations) / float64(total)
	in.Confidence = wilsonLowerBound(in.Validations, total)
}

// wilsonLowerBound computes the Wilson score interval lower bound at 95%
// confidence for successes out of total trials.
func wilsonLowerBound(successes, total int) float64 {
	if total == 0 {
		return 0
	}
	const z = 1.96
	n := float64(total)
	p := float64(successes) / n
	denom := 1 + z*z/n
	center := p + z*z/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))
	lb := (center - margin) / denom
	if lb < 0 {
		return 0
	}
	return lb
}

// recomputeReadiness combines reliability, validation saturation
// (log-scaled), category weight, and recency decay into [0,1].
func (in *Insight) recomputeReadiness(now time.Time, halflife time.Duration) {
	weight, ok := categoryWeights[in.Category]
	if !ok {
		weight = categoryWeights[CategoryOther]
	}
	// log-scaled saturation: 1 validation ~ 0.3, 5 ~ 0.72, 20 ~ 1.0
	sat := math.Log1p(float64(in.Validations)) / math.Log1p(20)
	if sat > 1 {
		sat = 1
	}
	decay := 1.0
	if halflife > 0 && !in.LastValidatedAt.IsZero() {
		age := now.Sub(in.LastValidatedAt)
		if age > 0 {
			decay = math.Pow(0.5, age.Seconds()/halflife.Seconds())
		}
	}
	in.AdvisoryReadiness = in.Reliability * sat * weight * decay
}

// clone returns a deep copy safe to hand to readers.
func (in *Insight) clone() *Insight {
	cp := *in
	cp.Evidence = append([]string(nil), in.Evidence...)
	cp.CounterExamples = append([]string(nil), in.CounterExamples...)
	cp.Domains = append([]string(nil), in.Domains...)
	cp.Tools = append([]string(nil), in.Tools...)
	return &cp
}

func appendRing(ring []string, id string, limit int) []string {
	ring = append(ring, id)
	if len(ring) > limit {
		ring = append([]string(nil), ring[len(ring)-limit:]...)
	}
	return ring
}
