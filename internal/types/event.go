// Package types defines the wire-level and store-level records shared by
// every kait component: hook events, queue entries, advice items, and the
// closed error taxonomy. All enums are string constants with Valid() checks
// so that consumers can validate only the fields they read.
package types

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind identifies which hook produced an event.
type EventKind string

const (
	KindPreTool         EventKind = "pre_tool"
	KindPostTool        EventKind = "post_tool"
	KindPostToolFailure EventKind = "post_tool_failure"
	KindUserPrompt      EventKind = "user_prompt"
)

// Valid reports whether k is one of the four hook kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindPreTool, KindPostTool, KindPostToolFailure, KindUserPrompt:
		return true
	}
	return false
}

// Event is one observed hook invocation from the coding agent. Events are
// immutable once written to the queue; the pipeline consumes them by
// event_id and never mutates them.
type Event struct {
	ID        string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Kind      EventKind       `json:"kind"`
	Tool      string          `json:"tool,omitempty"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	Text      string          `json:"text,omitempty"`
	TSNanos   int64           `json:"ts_ns"`
	Source    string          `json:"source,omitempty"`

	// Importance is assigned at ingest by the rule-based scorer, 0.0-1.0.
	Importance float64 `json:"importance,omitempty"`

	// Success is carried by post_tool events when the hook knows the
	// outcome explicitly. nil means "not reported".
	Success *bool `json:"success,omitempty"`
}

// Validate checks the fields every consumer depends on. tool_args stays an
// opaque blob; parsers downstream validate only what they need.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("event missing session_id: %w", ErrBadInput)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("event kind %q invalid: %w", e.Kind, ErrBadInput)
	}
	return nil
}

// ArgsMap decodes tool_args into a map. Returns an empty map on absent or
// malformed args; callers that need strict parsing decode ToolArgs directly.
func (e *Event) ArgsMap() map[string]any {
	if len(e.ToolArgs) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(e.ToolArgs, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// Priority orders queue entries for batch processing.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// String returns the wire form used in queue records.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority is the inverse of Priority.String. Unknown values map to low.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// MarshalJSON encodes the priority as its wire string.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the wire string form.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// QueueEntry is one appended queue record: the event plus its assigned
// processing priority.
type QueueEntry struct {
	Event    Event    `json:"event"`
	Priority Priority `json:"priority"`
}

// PriorityFor derives the queue priority from the event. Failures and
// user prompts carrying explicit memory markers are HIGH; other user
// prompts are MEDIUM; everything else is LOW.
func PriorityFor(e *Event) Priority {
	switch e.Kind {
	case KindPostToolFailure:
		return PriorityHigh
	case KindUserPrompt:
		if HasMemoryMarker(e.Text) {
			return PriorityHigh
		}
		return PriorityMedium
	default:
		return PriorityLow
	}
}

var ulidMu sync.Mutex
var ulidEntropy = ulid.Monotonic(rand.Reader, 0)

// NewEventID returns a fresh monotone ULID string.
func NewEventID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
