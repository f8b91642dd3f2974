// Package ralph implements the Meta-Ralph quality gate: every candidate
// insight is roasted on six dimensions, deduplicated against the cognitive
// store, and only quality verdicts advance. All verdicts land in a bounded
// roast-history file for observability.
package ralph

import (
	"regexp"
	"strings"
	"time"

	"kait/internal/config"
	"kait/internal/logging"
)

// VerdictKind is the gate's decision.
type VerdictKind string

const (
	VerdictPrimitive VerdictKind = "primitive"
	VerdictDuplicate VerdictKind = "duplicate"
	VerdictNeedsWork VerdictKind = "needs_work"
	VerdictQuality   VerdictKind = "quality"
)

// Issue reasons form a closed vocabulary; no free-form prose.
const (
	IssueNoActionableGuidance = "no_actionable_guidance"
	IssueSeemsObvious         = "seems_obvious"
	IssueNoReasoningProvided  = "no_reasoning_provided"
	IssueNotOutcomeLinked     = "not_outcome_linked"
	IssueTooGeneric           = "too_generic"
	IssueAlreadyExists        = "already_exists"
	IssuePrimitivePattern     = "primitive_pattern"
)

// Scores holds the six dimensions, each 0-2.
type Scores struct {
	Actionability int `json:"actionability"`
	Novelty       int `json:"novelty"`
	Reasoning     int `json:"reasoning"`
	Specificity   int `json:"specificity"`
	OutcomeLinked int `json:"outcome_linked"`
	Ethics        int `json:"ethics"`
}

// Total sums the dimensions into [0,12].
func (s Scores) Total() int {
	return s.Actionability + s.Novelty + s.Reasoning + s.Specificity + s.OutcomeLinked + s.Ethics
}

// Verdict is one scored roast result.
type Verdict struct {
	TS             time.Time   `json:"ts"`
	EventID        string      `json:"event_id"`
	SessionID      string      `json:"session_id,omitempty"`
	Category       string      `json:"category"`
	Statement      string      `json:"statement"`
	Scores         Scores      `json:"scores"`
	Total          int         `json:"total"`
	Verdict        VerdictKind `json:"verdict"`
	Issues         []string    `json:"issues,omitempty"`
	RefinedVersion string      `json:"refined_version,omitempty"`
	DuplicateOf    string      `json:"duplicate_of,omitempty"`
}

// Candidate is the gate's input: a pending memory or any other distilled
// statement heading for the cognitive store.
type Candidate struct {
	EventID   string
	SessionID string
	Category  string
	Statement string
	Score     float64
	Tool      string
}

// DedupSource supplies the normalized statements already in the cognitive
// store. A snapshot function keeps ralph free of a store dependency.
type DedupSource func() []string

// Gate scores candidates and records verdicts.
type Gate struct {
	cfg     config.RalphConfig
	dedup   DedupSource
	history *historyFile
	now     func() time.Time
}

// NewGate builds the gate. historyPath may be empty to disable the roast
// history file (tests).
func NewGate(cfg config.RalphConfig, dedup DedupSource, historyPath string) *Gate {
	return &Gate{
		cfg:     cfg,
		dedup:   dedup,
		history: newHistoryFile(historyPath, cfg.RoastHistoryCap),
		now:     time.Now,
	}
}

// Roast scores one candidate and issues a verdict. Every verdict is appended
// to the roast history; only quality verdicts should advance to the
// cognitive store.
func (g *Gate) Roast(c Candidate) Verdict {
	statement := strings.TrimSpace(c.Statement)
	v := Verdict{
		TS:        g.now().UTC(),
		EventID:   c.EventID,
		SessionID: c.SessionID,
		Category:  c.Category,
		Statement: statement,
	}

	v.Scores = g.score(statement)
	v.Total = v.Scores.Total()
	v.Issues = issuesFor(v.Scores, statement)

	switch {
	case isPrimitivePattern(statement):
		v.Verdict = VerdictPrimitive
		v.Issues = appendIssue(v.Issues, IssuePrimitivePattern)
	case v.Total <= g.cfg.PrimitiveMax:
		v.Verdict = VerdictPrimitive
	case v.Total <= g.cfg.NeedsWorkMax:
		v.Verdict = VerdictNeedsWork
	case v.Total <= g.cfg.DedupBandMax:
		// Mid-band statements are plausible enough to check against what we
		// already know; near-misses of existing insights add nothing.
		if match, ok := g.findDuplicate(statement); ok {
			v.Verdict = VerdictDuplicate
			v.DuplicateOf = match
			v.Issues = appendIssue(v.Issues, IssueAlreadyExists)
		} else {
			v.Verdict = VerdictQuality
		}
	default:
		// High-scoring statements pass outright. Exact restatements still
		// merge at the cognitive store, which keys on the normalized text.
		v.Verdict = VerdictQuality
	}

	if v.Verdict == VerdictQuality {
		v.RefinedVersion = refine(statement)
	}

	g.history.append(&v)
	logging.RalphDebug("roast: total=%d verdict=%s issues=%v", v.Total, v.Verdict, v.Issues)
	return v
}

var (
	actionVerbRe = regexp.MustCompile(`(?i)\b(use|avoid|prefer|check|verify|run|try|stop|start|keep|add|remove|split|batch|glob|grep|read|write|test)\b`)
	softActionRe = regexp.MustCompile(`(?i)\b(should|must|need to|better to)\b`)
	reasoningRe  = regexp.MustCompile(`(?i)\b(because|since|so that|which means|leads to|causes|instead of|often wrong|tends to)\b`)
	outcomeRe    = regexp.MustCompile(`(?i)\b(succeed(s|ed)?|fail(s|ed|ure)?|error|worked|broke|fixed|crash(es|ed)?|timeout|passed)\b`)
	concreteRe   = regexp.MustCompile(`[A-Z][a-z]+[A-Z]|\d|"[^"]+"|'[^']+'|/[\w./-]+|\.\w{1,4}\b`)
	genericRe    = regexp.MustCompile(`(?i)^(be careful|do better|try harder|pay attention|be more \w+)\b`)
	secretRe     = regexp.MustCompile(`(?i)(api[_-]?key|password|secret|bearer\s+[a-z0-9]|token\s*[:=])`)
)

func (g *Gate) score(statement string) Scores {
	var s Scores

	switch {
	case actionVerbRe.MatchString(statement):
		s.Actionability = 2
	case softActionRe.MatchString(statement):
		s.Actionability = 1
	}

	switch {
	case isPrimitivePattern(statement):
		s.Novelty = 0
	case genericRe.MatchString(statement):
		s.Novelty = 1
	default:
		s.Novelty = 2
	}

	if reasoningRe.MatchString(statement) {
		s.Reasoning = 2
	} else if strings.Contains(statement, ";") || strings.Contains(statement, " when ") {
		s.Reasoning = 1
	}

	switch {
	case concreteRe.MatchString(statement):
		s.Specificity = 2
	case len(strings.Fields(statement)) >= 8:
		s.Specificity = 1
	}

	if outcomeRe.MatchString(statement) {
		s.OutcomeLinked = 2
	} else if strings.Contains(strings.ToLower(statement), "complete") {
		s.OutcomeLinked = 1
	}

	if !secretRe.MatchString(statement) {
		s.Ethics = 2
	}
	return s
}

func issuesFor(s Scores, statement string) []string {
	var issues []string
	if s.Actionability == 0 {
		issues = append(issues, IssueNoActionableGuidance)
	}
	if s.Novelty <= 1 {
		issues = append(issues, IssueSeemsObvious)
	}
	if s.Reasoning == 0 {
		issues = append(issues, IssueNoReasoningProvided)
	}
	if s.OutcomeLinked == 0 {
		issues = append(issues, IssueNotOutcomeLinked)
	}
	if s.Specificity == 0 || genericRe.MatchString(statement) {
		issues = append(issues, IssueTooGeneric)
	}
	return issues
}

func appendIssue(issues []string, issue string) []string {
	for _, have := range issues {
		if have == issue {
			return issues
		}
	}
	return append(issues, issue)
}

// isPrimitivePattern flags raw code fragments and trivially short inputs.
func isPrimitivePattern(statement string) bool {
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" {
		return true
	}
	words := strings.Fields(trimmed)
	if len(words) <= 2 {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"import ", "from ", "def ", "func ", "class ", "var ", "const ", "#include", "package "} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// refine compresses a quality statement: collapse whitespace and strip
// hedging filler.
func refine(statement string) string {
	out := strings.Join(strings.Fields(statement), " ")
	for _, filler := range []string{"I think ", "i think ", "Maybe ", "maybe ", "It seems like ", "it seems like "} {
		out = strings.ReplaceAll(out, filler, "")
	}
	return strings.TrimSpace(out)
}
