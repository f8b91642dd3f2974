package advisory

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/logging"
	"kait/internal/types"
)

// rrfK is the standard reciprocal-rank-fusion damping constant.
const rrfK = 60

// Engine answers advise calls. It is safe for concurrent callers; the
// suppressor serializes delivery state and the config snapshot swaps
// atomically on hot reload.
type Engine struct {
	cfg     atomic.Pointer[config.AdvisoryConfig]
	sources []Source
	cache   *PacketCache
	sup     *suppressor
	ledger  *ledger
	bus     *bus.Bus
	now     func() time.Time
}

// NewEngine wires the four retrieval sources against the stores and opens
// the decision ledger and advice log under dataRoot.
func NewEngine(cfg config.AdvisoryConfig, cog *cognitive.Store, eid *eidos.Store, cache *PacketCache, dataRoot string, b *bus.Bus) *Engine {
	e := &Engine{
		sources: []Source{
			&cognitiveSource{store: cog},
			&eidosSource{store: eid},
			&semanticSource{store: cog},
			&packetSource{cache: cache},
		},
		cache: cache,
		sup:   newSuppressor(),
		ledger: newLedger(
			filepath.Join(dataRoot, "advisory_decision_ledger.jsonl"),
			filepath.Join(dataRoot, "advisor", "advice_log.jsonl"),
		),
		bus: b,
		now: time.Now,
	}
	e.cfg.Store(&cfg)
	return e
}

// Reload swaps in a new advisory config snapshot. Hot path readers pick it
// up on their next call.
func (e *Engine) Reload(cfg config.AdvisoryConfig) {
	e.cfg.Store(&cfg)
	logging.Advisory("advisory config reloaded")
}

// Sweep drops expired suppression state. Called by the maintenance loop.
func (e *Engine) Sweep() {
	e.sup.sweep(e.cfg.Load())
}

// RebuildPackets refreshes the packet cache from the stores.
func (e *Engine) RebuildPackets(ctx context.Context, cog *cognitive.Store, eid *eidos.Store, perTool int) error {
	return e.cache.Rebuild(ctx, cog, eid, perTool)
}

// Advise is the pre-tool entry point. It never blocks past the budget and
// never returns an error to the caller: on any advisory fault the call
// returns an empty list and the ledger records the blocked outcome.
func (e *Engine) Advise(ctx context.Context, req *Request) (items []types.AdviceItem) {
	cfg := e.cfg.Load()
	timer := logging.StartTimer(logging.CategoryAdvisory, "advise "+req.Tool)
	defer timer.StopWithThreshold(cfg.Budget)

	defer func() {
		if r := recover(); r != nil {
			logging.AdvisoryWarn("advise panic recovered: %v", r)
			items = nil
			e.recordBlocked(cfg, req, types.RouteLive, 0, []string{"advisor_error"})
		}
	}()

	deadline := e.now().Add(cfg.Budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if time.Until(deadline) < cfg.QuickMin {
		return e.adviseQuick(cfg, req)
	}
	return e.adviseLive(ctx, cfg, req)
}

// adviseLive runs the full pipeline: fan-out, fusion, rerank, suppression.
func (e *Engine) adviseLive(ctx context.Context, cfg *config.AdvisoryConfig, req *Request) []types.AdviceItem {
	results := make([][]types.AdviceItem, len(e.sources))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range e.sources {
		g.Go(func() error {
			got, err := src.Retrieve(gctx, req, cfg.PerSourceK)
			if err != nil {
				// A failed source degrades the answer, not the call.
				logging.AdvisoryDebug("source %s: %v", src.Name(), err)
				return nil
			}
			mu.Lock()
			results[i] = got
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	route := types.RouteLive
	if ctx.Err() != nil && onlyPacketResults(e.sources, results) {
		route = types.RoutePacketRelaxedFallback
	}

	fused := rrfFuse(e.sources, results, cfg.SourceWeights)
	fused = rerank(fused, req, cfg.RerankTop)

	return e.deliver(cfg, req, route, fused)
}

// adviseQuick bypasses rerank and the semantic source: packet cache or a
// single heuristic hint.
func (e *Engine) adviseQuick(cfg *config.AdvisoryConfig, req *Request) []types.AdviceItem {
	if p, route, ok := e.cache.Lookup(req.Tool, req.ArgHead(), req.Phase); ok {
		return e.deliver(cfg, req, route, p.Items)
	}
	if hint, ok := heuristicHint(req.Tool); ok {
		return e.deliver(cfg, req, types.RouteLive, []types.AdviceItem{hint})
	}
	e.recordBlocked(cfg, req, types.RouteLive, 0, []string{"quick_budget_no_packet"})
	return nil
}

// deliver applies suppression, caps delivery, and records the decision.
func (e *Engine) deliver(cfg *config.AdvisoryConfig, req *Request, route types.AdviceRoute, candidates []types.AdviceItem) []types.AdviceItem {
	kept, reasons := e.sup.filter(cfg, req, candidates)
	if len(kept) > cfg.MaxEmit {
		kept = kept[:cfg.MaxEmit]
	}

	if len(kept) == 0 {
		e.recordBlocked(cfg, req, route, len(reasons), reasons)
		return nil
	}

	e.sup.markEmitted(req, kept)

	decision := types.AdviceDecision{
		TS:                 e.now().UTC(),
		Tool:               req.Tool,
		SessionID:          req.SessionID,
		Outcome:            types.AdviceEmitted,
		Route:              route,
		SelectedCount:      len(kept),
		SuppressedCount:    len(candidates) - len(kept),
		Sources:            sourceCounts(kept),
		SuppressionReasons: reasons,
	}
	e.ledger.record(&decision, req, kept)

	ids := make([]string, len(kept))
	sources := make([]string, len(kept))
	keys := make([]string, len(kept))
	for i, item := range kept {
		ids[i] = item.AdviceID
		sources[i] = item.Source
		keys[i] = item.SourceKey
	}
	e.bus.AdviceEmitted.Publish(bus.AdviceEmitted{
		SessionID:  req.SessionID,
		Tool:       req.Tool,
		AdviceIDs:  ids,
		Sources:    sources,
		SourceKeys: keys,
		TS:         decision.TS,
	})
	logging.Advisory("emitted %d item(s) for %s route=%s", len(kept), req.Tool, route)
	return kept
}

func (e *Engine) recordBlocked(cfg *config.AdvisoryConfig, req *Request, route types.AdviceRoute, suppressed int, reasons []string) {
	decision := types.AdviceDecision{
		TS:                 e.now().UTC(),
		Tool:               req.Tool,
		SessionID:          req.SessionID,
		Outcome:            types.AdviceBlocked,
		Route:              route,
		SuppressedCount:    suppressed,
		SuppressionReasons: reasons,
	}
	e.ledger.record(&decision, req, nil)
	logging.AdvisoryDebug("blocked advise for %s: %v", req.Tool, reasons)
}

func sourceCounts(items []types.AdviceItem) map[string]int {
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[item.Source]++
	}
	return counts
}

// onlyPacketResults reports whether the packet source is the only one that
// produced anything, which marks a deadline-driven fallback.
func onlyPacketResults(sources []Source, results [][]types.AdviceItem) bool {
	sawPacket := false
	for i, src := range sources {
		if len(results[i]) == 0 {
			continue
		}
		if src.Name() == "packet" {
			sawPacket = true
		} else {
			return false
		}
	}
	return sawPacket
}

// rrfFuse merges per-source rankings with weighted reciprocal-rank fusion,
// deduplicating by normalized text. The attribution goes to the source that
// ranked the item highest.
func rrfFuse(sources []Source, results [][]types.AdviceItem, weights map[string]float64) []types.AdviceItem {
	type fusedItem struct {
		item  types.AdviceItem
		score float64
		best  float64
	}
	byText := make(map[string]*fusedItem)

	for i, src := range sources {
		weight, ok := weights[src.Name()]
		if !ok {
			weight = 1
		}
		for rank, item := range results[i] {
			contribution := weight / float64(rrfK+rank+1)
			key := strings.ToLower(strings.TrimSpace(item.Text))
			f, exists := byText[key]
			if !exists {
				f = &fusedItem{item: item}
				byText[key] = f
			}
			f.score += contribution
			if contribution > f.best {
				f.best = contribution
				f.item = item
			}
		}
	}

	fused := make([]types.AdviceItem, 0, len(byText))
	for _, f := range byText {
		f.item.Score = f.score
		fused = append(fused, f.item)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].AdviceID < fused[j].AdviceID
	})
	return fused
}

// rerank is the deterministic lightweight scorer: fused score adjusted by
// request anchoring and brevity. Only the top slice is rescored.
func rerank(items []types.AdviceItem, req *Request, top int) []types.AdviceItem {
	if len(items) > top {
		items = items[:top]
	}
	tool := strings.ToLower(req.Tool)
	rescored := make([]types.AdviceItem, len(items))
	for i, item := range items {
		boost := 1.0
		lower := strings.ToLower(item.Text)
		if tool != "" && strings.Contains(lower, tool) {
			boost += 0.2
		}
		if strings.Contains(lower, "fail") || strings.Contains(lower, "error") {
			boost += 0.1
		}
		if len(item.Text) <= 160 {
			boost += 0.1
		}
		item.Score *= boost
		rescored[i] = item
	}
	sort.SliceStable(rescored, func(i, j int) bool {
		if rescored[i].Score != rescored[j].Score {
			return rescored[i].Score > rescored[j].Score
		}
		return rescored[i].AdviceID < rescored[j].AdviceID
	})
	return rescored
}

// heuristicHints are the quick-path last resort: one canned caution per
// high-blast-radius tool. They carry a low score so any real retrieval
// outranks them.
var heuristicHints = map[string]string{
	"Bash":  "Check the command's exit status and stderr before assuming it succeeded.",
	"Edit":  "Read the target region first; edits against stale content fail on mismatch.",
	"Write": "Writing replaces the whole file; confirm nothing else depends on the current content.",
}

func heuristicHint(tool string) (types.AdviceItem, bool) {
	text, ok := heuristicHints[tool]
	if !ok {
		return types.AdviceItem{}, false
	}
	return types.AdviceItem{
		AdviceID:  adviceID("heuristic", text),
		Text:      text,
		Source:    "heuristic",
		SourceKey: tool,
		Score:     0.1,
	}, true
}
