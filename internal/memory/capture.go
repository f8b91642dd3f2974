// Package memory scans events for explicit intent markers and high-signal
// patterns, scoring candidates 0-1 with keyword/regex rules and structural
// cues. Candidates at or above the threshold become pending memories, which
// feed the Meta-Ralph quality gate.
package memory

import (
	"regexp"
	"strings"

	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/types"
)

// PendingMemory is a scored capture candidate awaiting the quality gate.
type PendingMemory struct {
	EventID   string   `json:"event_id"`
	SessionID string   `json:"session_id"`
	Category  string   `json:"category"`
	Statement string   `json:"statement"`
	Score     float64  `json:"score"`
	Markers   []string `json:"markers,omitempty"`
	Tool      string   `json:"tool,omitempty"`
}

// Capturer applies the rule table to events.
type Capturer struct {
	cfg config.MemoryConfig
}

// NewCapturer returns a capturer with the given thresholds.
func NewCapturer(cfg config.MemoryConfig) *Capturer {
	return &Capturer{cfg: cfg}
}

// rule is one scored pattern. Categories mirror the cognitive store's, minus
// reasoning (reasoning insights come from EIDOS, not raw capture).
type rule struct {
	pattern  *regexp.Regexp
	score    float64
	category string
	marker   string
}

var captureRules = []rule{
	{regexp.MustCompile(`(?i)\bremember\b`), 0.6, "user_understanding", "remember"},
	{regexp.MustCompile(`(?i)\balways\b`), 0.5, "wisdom", "always"},
	{regexp.MustCompile(`(?i)\bnever\b`), 0.5, "wisdom", "never"},
	{regexp.MustCompile(`(?i)\bimportant\b`), 0.4, "user_understanding", "important"},
	{regexp.MustCompile(`(?i)\bdon'?t forget\b`), 0.6, "user_understanding", "dont_forget"},
	{regexp.MustCompile(`(?i)\bprefer(s|red)?\b`), 0.4, "user_understanding", "preference"},
	{regexp.MustCompile(`(?i)\b(i|we) learned\b`), 0.6, "meta_learning", "learned"},
	{regexp.MustCompile(`(?i)\blesson\b`), 0.4, "meta_learning", "lesson"},
	{regexp.MustCompile(`(?i)\bnext time\b`), 0.5, "meta_learning", "next_time"},
	{regexp.MustCompile(`(?i)\bactually,?\b`), 0.4, "self_awareness", "correction"},
	{regexp.MustCompile(`(?i)\bthat('s| is| was) (wrong|incorrect)\b`), 0.6, "self_awareness", "correction"},
	{regexp.MustCompile(`(?i)\byou should have\b`), 0.5, "self_awareness", "correction"},
	{regexp.MustCompile(`(?i)\bcompleted\b.*\bsummary\b`), 0.4, "meta_learning", "task_summary"},
}

// Capture scores the event's text and returns a pending memory when it
// clears the threshold. Only text-bearing kinds are considered.
func (c *Capturer) Capture(e *types.Event) (*PendingMemory, bool) {
	text := strings.TrimSpace(e.Text)
	if text == "" || len(text) < c.cfg.MinChars {
		return nil, false
	}

	var score float64
	var markers []string
	category := "wisdom"
	best := 0.0
	for _, r := range captureRules {
		if !r.pattern.MatchString(text) {
			continue
		}
		score += r.score
		markers = append(markers, r.marker)
		if r.score > best {
			best = r.score
			category = r.category
		}
	}
	if len(markers) == 0 {
		return nil, false
	}

	// Structural cues: failures teach more than routine chatter, and the
	// event's ingest importance carries signal of its own.
	if e.Kind == types.KindPostToolFailure {
		score += 0.2
	}
	score += 0.2 * e.Importance
	if score > 1 {
		score = 1
	}
	if score < c.cfg.Threshold {
		return nil, false
	}

	statement := text
	if len(statement) > c.cfg.MaxChars {
		statement = truncateAtWord(statement, c.cfg.MaxChars)
	}

	logging.MemoryDebug("captured candidate score=%.2f category=%s markers=%v", score, category, markers)
	return &PendingMemory{
		EventID:   e.ID,
		SessionID: e.SessionID,
		Category:  category,
		Statement: statement,
		Score:     score,
		Markers:   markers,
		Tool:      e.Tool,
	}, true
}

func truncateAtWord(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > max/2 {
		cut = cut[:idx]
	}
	return cut
}
