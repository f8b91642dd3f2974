// Package advisory implements the just-in-time advice engine: four retrieval
// sources fanned out under a shared deadline, reciprocal-rank fusion with
// per-source weights, a deterministic reranker, ordered suppression rules,
// and an append-only decision ledger covering every call.
package advisory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"kait/internal/cognitive"
	"kait/internal/eidos"
	"kait/internal/types"
)

// Request is one advise call from the pre-tool hook path.
type Request struct {
	SessionID string
	Tool      string
	ToolArgs  map[string]any
	Context   string
	Phase     string
}

// ArgHead is the normalized head of the tool arguments: the first meaningful
// value, lowercased, truncated. It anchors packet keys and semantic queries.
func (r *Request) ArgHead() string {
	for _, k := range []string{"file_path", "path", "command", "pattern", "url", "query"} {
		if v, ok := r.ToolArgs[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return normalizeArgHead(s)
			}
		}
	}
	for _, v := range r.ToolArgs {
		if s, ok := v.(string); ok && s != "" {
			return normalizeArgHead(s)
		}
	}
	return ""
}

func normalizeArgHead(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// Source is one retrieval backend. Implementations must respect ctx and
// return at most k items, best first.
type Source interface {
	Name() string
	Retrieve(ctx context.Context, req *Request, k int) ([]types.AdviceItem, error)
}

// adviceID is stable for identical advice text, so TTL suppression holds
// across calls and restarts.
func adviceID(source, text string) string {
	h := fnv.New64a()
	h.Write([]byte(source))
	h.Write([]byte("|"))
	h.Write([]byte(text))
	return fmt.Sprintf("adv-%016x", h.Sum64())
}

// cognitiveSource ranks insights by advisory readiness, filtered to those
// whose tools or domains mention the request's tool.
type cognitiveSource struct {
	store *cognitive.Store
}

func (s *cognitiveSource) Name() string { return "cognitive" }

func (s *cognitiveSource) Retrieve(ctx context.Context, req *Request, k int) ([]types.AdviceItem, error) {
	insights := s.store.Snapshot(ctx)
	tool := strings.ToLower(req.Tool)

	type scored struct {
		ins   *cognitive.Insight
		score float64
	}
	var candidates []scored
	for _, ins := range insights {
		score := ins.AdvisoryReadiness
		if mentionsTool(ins.Tools, tool) || strings.Contains(strings.ToLower(ins.Statement), tool) {
			score *= 1.5
		}
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scored{ins, score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].ins.Key < candidates[j].ins.Key
	})

	var items []types.AdviceItem
	for _, c := range candidates {
		if len(items) == k {
			break
		}
		items = append(items, types.AdviceItem{
			AdviceID:  adviceID("cognitive", c.ins.Statement),
			Text:      c.ins.Statement,
			Source:    "cognitive",
			SourceKey: c.ins.Key,
			Score:     c.score,
		})
	}
	return items, ctx.Err()
}

func mentionsTool(tools []string, tool string) bool {
	for _, t := range tools {
		if strings.EqualFold(t, tool) {
			return true
		}
	}
	return false
}

// eidosSource retrieves distillations whose triggers match the current
// decision.
type eidosSource struct {
	store *eidos.Store
}

func (s *eidosSource) Name() string { return "eidos" }

func (s *eidosSource) Retrieve(ctx context.Context, req *Request, k int) ([]types.AdviceItem, error) {
	decision := req.Tool
	if head := req.ArgHead(); head != "" {
		decision += " " + head
	}
	dists, err := s.store.RetrieveByTriggers(req.Tool, decision, k)
	if err != nil {
		return nil, err
	}
	var items []types.AdviceItem
	for _, d := range dists {
		items = append(items, types.AdviceItem{
			AdviceID:  adviceID("eidos", d.Statement),
			Text:      d.Statement,
			Source:    "eidos",
			SourceKey: d.DistillationID,
			Score:     d.Confidence,
		})
	}
	return items, ctx.Err()
}

// semanticSource does shallow token-overlap matching over insight
// statements. An embedding-backed variant would slot in behind the same
// interface; the core ships keyword-only.
type semanticSource struct {
	store *cognitive.Store
}

func (s *semanticSource) Name() string { return "semantic" }

func (s *semanticSource) Retrieve(ctx context.Context, req *Request, k int) ([]types.AdviceItem, error) {
	query := tokenSet(req.Tool + " " + req.ArgHead() + " " + req.Context)
	if len(query) == 0 {
		return nil, nil
	}

	type scored struct {
		ins   *cognitive.Insight
		score float64
	}
	var candidates []scored
	for _, ins := range s.store.Snapshot(ctx) {
		overlap := tokenOverlap(query, tokenSet(ins.Statement))
		if overlap <= 0 {
			continue
		}
		candidates = append(candidates, scored{ins, overlap})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].ins.Key < candidates[j].ins.Key
	})

	var items []types.AdviceItem
	for _, c := range candidates {
		if len(items) == k {
			break
		}
		items = append(items, types.AdviceItem{
			AdviceID:  adviceID("semantic", c.ins.Statement),
			Text:      c.ins.Statement,
			Source:    "semantic",
			SourceKey: c.ins.Key,
			Score:     c.score,
		})
	}
	return items, ctx.Err()
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) >= 3 {
			set[tok] = true
		}
	}
	return set
}

func tokenOverlap(query, doc map[string]bool) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	shared := 0
	for tok := range query {
		if doc[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(query))
}
