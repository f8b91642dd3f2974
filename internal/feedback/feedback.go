// Package feedback closes the learning loop without asking the agent
// anything: every emitted advice becomes an exposure, and the next events
// for that session decide whether the advice was followed, unhelpful, or
// ignored. Signals feed back into the stores' reliability counters.
package feedback

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/logging"
	"kait/internal/types"
)

// exposure is one emitted advice item awaiting its verdict.
type exposure struct {
	AdviceID  string
	SessionID string
	Tool      string
	Source    string
	SourceKey string
	EmittedAt time.Time
}

// exposureKey identifies an exposure: one verdict per advice per tool per
// session at a time.
type exposureKey struct {
	session  string
	tool     string
	adviceID string
}

// Matcher subscribes to advice emissions and processed events, derives
// implicit feedback signals, updates the stores, and appends to
// implicit_feedback.jsonl.
type Matcher struct {
	cfg config.FeedbackConfig
	cog *cognitive.Store
	eid *eidos.Store

	mu        sync.Mutex
	exposures map[exposureKey]*exposure
	// judged guards idempotence: one signal per (event_id, advice_id).
	judged map[string]bool

	log *feedbackLog
	now func() time.Time
}

// NewMatcher builds the matcher; the feedback log lives under
// dataRoot/advisor/.
func NewMatcher(cfg config.FeedbackConfig, dataRoot string, cog *cognitive.Store, eid *eidos.Store) *Matcher {
	return &Matcher{
		cfg:       cfg,
		cog:       cog,
		eid:       eid,
		exposures: make(map[exposureKey]*exposure),
		judged:    make(map[string]bool),
		log:       newFeedbackLog(filepath.Join(dataRoot, "advisor", "implicit_feedback.jsonl")),
		now:       time.Now,
	}
}

// Run consumes the bus until ctx is done. It owns all matcher state; the
// sweep ticker expires exposures that never saw a follow-up event.
func (m *Matcher) Run(ctx context.Context, b *bus.Bus) {
	emitted := b.AdviceEmitted.Subscribe(256)
	processed := b.EventProcessed.Subscribe(1024)
	sweep := time.NewTicker(m.cfg.ExposureExpiry)
	defer sweep.Stop()

	logging.Feedback("implicit feedback matcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-emitted:
			if !ok {
				return
			}
			m.recordExposures(&msg)
		case msg, ok := <-processed:
			if !ok {
				return
			}
			m.matchEvent(&msg.Event)
		case <-sweep.C:
			m.expire()
		}
	}
}

func (m *Matcher) recordExposures(msg *bus.AdviceEmitted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range msg.AdviceIDs {
		exp := &exposure{
			AdviceID:  id,
			SessionID: msg.SessionID,
			Tool:      msg.Tool,
			EmittedAt: msg.TS,
		}
		if i < len(msg.Sources) {
			exp.Source = msg.Sources[i]
		}
		if i < len(msg.SourceKeys) {
			exp.SourceKey = msg.SourceKeys[i]
		}
		m.exposures[exposureKey{msg.SessionID, msg.Tool, id}] = exp
	}
	logging.FeedbackDebug("recorded %d exposure(s) for %s/%s", len(msg.AdviceIDs), msg.SessionID, msg.Tool)
}

// matchEvent derives signals from one processed event. Same tool succeeding
// inside the window means followed; same tool failing means unhelpful; a
// different tool inside the window means the advice was ignored.
func (m *Matcher) matchEvent(e *types.Event) {
	if e.Kind != types.KindPostTool && e.Kind != types.KindPostToolFailure {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	failed := e.Kind == types.KindPostToolFailure || (e.Success != nil && !*e.Success)

	for key, exp := range m.exposures {
		if key.session != e.SessionID {
			continue
		}
		age := now.Sub(exp.EmittedAt)
		if age > m.cfg.ExposureTimeout {
			continue
		}

		var signal types.FeedbackSignal
		switch {
		case exp.Tool == e.Tool && failed:
			signal = types.SignalUnhelpful
		case exp.Tool == e.Tool:
			signal = types.SignalFollowed
		default:
			signal = types.SignalIgnored
		}
		m.judge(e, exp, key, signal, age)
	}
}

// judge applies one signal exactly once per (event, advice) pair.
func (m *Matcher) judge(e *types.Event, exp *exposure, key exposureKey, signal types.FeedbackSignal, age time.Duration) {
	judgeKey := e.ID + "|" + exp.AdviceID
	if m.judged[judgeKey] {
		return
	}
	m.judged[judgeKey] = true
	delete(m.exposures, key)

	entry := types.FeedbackEntry{
		AdviceID:    exp.AdviceID,
		EventID:     e.ID,
		SessionID:   e.SessionID,
		Tool:        exp.Tool,
		Signal:      signal,
		Success:     e.Kind == types.KindPostTool && (e.Success == nil || *e.Success),
		SourcesUsed: []string{exp.Source},
		LatencyS:    age.Seconds(),
	}
	if err := m.log.append(&entry); err != nil {
		logging.Feedback("append feedback log: %v", err)
	}

	m.applySignal(exp, signal, e.ID)
	logging.FeedbackDebug("signal=%s advice=%s tool=%s latency=%.1fs", signal, exp.AdviceID, exp.Tool, age.Seconds())
}

// applySignal routes the verdict to the owning store, attributed to the
// triggering event so the insight's evidence ring records what actually
// happened. Ignored advice leaves the counters alone: not acting on advice
// says nothing about its truth.
func (m *Matcher) applySignal(exp *exposure, signal types.FeedbackSignal, eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch exp.Source {
	case "cognitive", "semantic", "packet":
		switch signal {
		case types.SignalFollowed:
			if err := m.cog.Validate(ctx, exp.SourceKey, eventID); err != nil {
				logging.Feedback("validate insight %s: %v", exp.SourceKey, err)
			}
		case types.SignalUnhelpful:
			if err := m.cog.Contradict(ctx, exp.SourceKey, eventID); err != nil {
				logging.Feedback("contradict insight %s: %v", exp.SourceKey, err)
			}
		}
	case "eidos":
		if signal == types.SignalIgnored {
			return
		}
		if err := m.eid.MarkUsed(exp.SourceKey, signal == types.SignalFollowed); err != nil {
			logging.Feedback("mark distillation %s: %v", exp.SourceKey, err)
		}
	}
}

// expire drops exposures past the expiry horizon and bounds the judged set.
func (m *Matcher) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for key, exp := range m.exposures {
		if now.Sub(exp.EmittedAt) > m.cfg.ExposureExpiry {
			delete(m.exposures, key)
			dropped++
		}
	}
	// The judged set only needs to cover live exposures; reset it when the
	// exposure table empties.
	if len(m.exposures) == 0 && len(m.judged) > 0 {
		m.judged = make(map[string]bool)
	}
	if dropped > 0 {
		logging.FeedbackDebug("expired %d exposure(s)", dropped)
	}
}

// ExposureCount reports live exposures, for status and tests.
func (m *Matcher) ExposureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exposures)
}
