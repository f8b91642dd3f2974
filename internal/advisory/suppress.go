package advisory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"kait/internal/config"
	"kait/internal/types"
)

// suppressor holds the delivery-side state: what was shown, when, to whom.
// Rules are evaluated per candidate in a fixed order; the first matching
// rule wins and names the suppression reason. Identical-advice TTL is
// checked before the per-tool cooldown so a repeat of the same advice is
// reported as the repeat it is.
type suppressor struct {
	mu sync.Mutex

	// shownAt records when each advice id was last emitted.
	shownAt map[string]time.Time

	// lastByTool records the last emission per tool.
	lastByTool map[string]time.Time

	// emits holds recent emission timestamps per session for the per-minute
	// budget.
	emits map[string][]time.Time

	// activeGeneric tracks generic advice patterns currently in play.
	activeGeneric map[string]time.Time

	now func() time.Time
}

func newSuppressor() *suppressor {
	return &suppressor{
		shownAt:       make(map[string]time.Time),
		lastByTool:    make(map[string]time.Time),
		emits:         make(map[string][]time.Time),
		activeGeneric: make(map[string]time.Time),
		now:           time.Now,
	}
}

// filter partitions candidates into kept and suppressed, returning the
// suppression reasons in candidate order. The agreement gate runs last,
// over the survivors.
func (sp *suppressor) filter(cfg *config.AdvisoryConfig, req *Request, candidates []types.AdviceItem) (kept []types.AdviceItem, reasons []string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	now := sp.now()

	for _, item := range candidates {
		if shown, ok := sp.shownAt[item.AdviceID]; ok {
			since := now.Sub(shown)
			if since < cfg.AdviceTTL {
				reasons = append(reasons, fmt.Sprintf("shown %ds ago (TTL %ds)",
					int(since.Seconds()), int(cfg.AdviceTTL.Seconds())))
				continue
			}
		}
		if last, ok := sp.lastByTool[req.Tool]; ok {
			since := now.Sub(last)
			if since < cfg.ToolCooldown {
				reasons = append(reasons, fmt.Sprintf("tool %s on cooldown (%ds of %ds)",
					req.Tool, int(since.Seconds()), int(cfg.ToolCooldown.Seconds())))
				continue
			}
		}
		if sp.budgetExhausted(cfg, req.SessionID, now) {
			reasons = append(reasons, fmt.Sprintf("session budget exhausted (%d/min)", cfg.BudgetPerMin))
			continue
		}
		if pattern, generic := genericPattern(item.Text); generic {
			if active, ok := sp.activeGeneric[pattern]; ok && now.Sub(active) < cfg.AdviceTTL {
				reasons = append(reasons, "generic pattern already active")
				continue
			}
		}
		kept = append(kept, item)
	}

	if cfg.AgreementGate && len(kept) > 0 {
		distinct := make(map[string]bool)
		for _, item := range kept {
			distinct[item.Source] = true
		}
		if len(distinct) < cfg.MinSources {
			reasons = append(reasons, fmt.Sprintf("agreement gate: %d sources < min %d",
				len(distinct), cfg.MinSources))
			return nil, reasons
		}
	}
	return kept, reasons
}

func (sp *suppressor) budgetExhausted(cfg *config.AdvisoryConfig, session string, now time.Time) bool {
	if cfg.BudgetPerMin <= 0 {
		return false
	}
	window := sp.emits[session]
	recent := window[:0]
	for _, ts := range window {
		if now.Sub(ts) < time.Minute {
			recent = append(recent, ts)
		}
	}
	sp.emits[session] = recent
	return len(recent) >= cfg.BudgetPerMin
}

// markEmitted records an emission so later calls see the cooldown, TTL, and
// budget effects.
func (sp *suppressor) markEmitted(req *Request, items []types.AdviceItem) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	now := sp.now()

	sp.lastByTool[req.Tool] = now
	sp.emits[req.SessionID] = append(sp.emits[req.SessionID], now)
	for _, item := range items {
		sp.shownAt[item.AdviceID] = now
		if pattern, generic := genericPattern(item.Text); generic {
			sp.activeGeneric[pattern] = now
		}
	}
}

// sweep drops suppression state older than the longest horizon any rule
// looks at, keeping the maps bounded on long-lived daemons.
func (sp *suppressor) sweep(cfg *config.AdvisoryConfig) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	now := sp.now()
	horizon := cfg.AdviceTTL
	if cfg.ToolCooldown > horizon {
		horizon = cfg.ToolCooldown
	}
	for id, ts := range sp.shownAt {
		if now.Sub(ts) > horizon {
			delete(sp.shownAt, id)
		}
	}
	for tool, ts := range sp.lastByTool {
		if now.Sub(ts) > horizon {
			delete(sp.lastByTool, tool)
		}
	}
	for pattern, ts := range sp.activeGeneric {
		if now.Sub(ts) > horizon {
			delete(sp.activeGeneric, pattern)
		}
	}
	for session, window := range sp.emits {
		recent := window[:0]
		for _, ts := range window {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(sp.emits, session)
		} else {
			sp.emits[session] = recent
		}
	}
}

// genericPattern detects advice with no concrete anchor (no tool name,
// path, or number) and returns its leading words as the dedup pattern.
func genericPattern(text string) (string, bool) {
	lower := strings.ToLower(text)
	if strings.ContainsAny(text, "/0123456789") || strings.Contains(text, `"`) {
		return "", false
	}
	words := strings.Fields(lower)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " "), true
}
