package types

import "time"

// AdviceItem is one piece of ranked guidance returned to the agent before a
// tool call.
type AdviceItem struct {
	AdviceID  string  `json:"advice_id"`
	Text      string  `json:"text"`
	Source    string  `json:"source"`     // cognitive, eidos, semantic, packet
	SourceKey string  `json:"source_key"` // insight key or distillation id
	Score     float64 `json:"score"`
}

// AdviceOutcome records whether an advise call emitted or was blocked.
type AdviceOutcome string

const (
	AdviceEmitted AdviceOutcome = "emitted"
	AdviceBlocked AdviceOutcome = "blocked"
)

// AdviceRoute reflects how retrieval was satisfied.
type AdviceRoute string

const (
	RouteLive                  AdviceRoute = "live"
	RoutePacketExact           AdviceRoute = "packet_exact"
	RoutePacketRelaxed         AdviceRoute = "packet_relaxed"
	RoutePacketRelaxedFallback AdviceRoute = "packet_relaxed_fallback"
)

// AdviceDecision is one decision-ledger entry. Every advise call writes
// exactly one, emitted or blocked.
type AdviceDecision struct {
	TS                 time.Time      `json:"ts"`
	Tool               string         `json:"tool"`
	SessionID          string         `json:"session_id,omitempty"`
	Outcome            AdviceOutcome  `json:"outcome"`
	Route              AdviceRoute    `json:"route"`
	SelectedCount      int            `json:"selected_count"`
	SuppressedCount    int            `json:"suppressed_count"`
	Sources            map[string]int `json:"sources,omitempty"`
	SuppressionReasons []string       `json:"suppression_reasons,omitempty"`
}

// FeedbackSignal is the implicit signal derived from the event that follows
// emitted advice.
type FeedbackSignal string

const (
	SignalFollowed  FeedbackSignal = "followed"
	SignalUnhelpful FeedbackSignal = "unhelpful"
	SignalIgnored   FeedbackSignal = "ignored"
)

// FeedbackEntry is one implicit-feedback log record.
type FeedbackEntry struct {
	AdviceID    string         `json:"advice_id"`
	EventID     string         `json:"event_id"`
	SessionID   string         `json:"session_id"`
	Tool        string         `json:"tool"`
	Signal      FeedbackSignal `json:"signal"`
	Success     bool           `json:"success"`
	SourcesUsed []string       `json:"sources_used,omitempty"`
	LatencyS    float64        `json:"latency_s"`
}
