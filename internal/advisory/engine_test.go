package advisory

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/types"
)

type engineFixture struct {
	engine   *Engine
	cog      *cognitive.Store
	eid      *eidos.Store
	dataRoot string
}

func newFixture(t *testing.T, cfg config.AdvisoryConfig) *engineFixture {
	t.Helper()
	dataRoot := t.TempDir()
	b := bus.New()

	cog, err := cognitive.New(filepath.Join(dataRoot, "cognitive_insights.json"),
		config.DefaultCognitiveConfig(), b)
	if err != nil {
		t.Fatalf("open cognitive store: %v", err)
	}
	eid, err := eidos.Open(filepath.Join(dataRoot, "eidos.db"),
		config.DefaultEidosConfig(), b)
	if err != nil {
		t.Fatalf("open eidos store: %v", err)
	}
	t.Cleanup(func() {
		eid.Close()
		cog.Close()
		b.Close()
	})

	cache := NewPacketCache("", cfg.PacketTTL)
	return &engineFixture{
		engine:   NewEngine(cfg, cog, eid, cache, dataRoot, b),
		cog:      cog,
		eid:      eid,
		dataRoot: dataRoot,
	}
}

func (f *engineFixture) seed(t *testing.T, statement string, tools ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.cog.Upsert(ctx, cognitive.UpsertRequest{
		Category:  cognitive.CategoryWisdom,
		Statement: statement,
		Source:    "ralph",
		Tools:     tools,
		EventID:   "seed",
	}); err != nil {
		t.Fatalf("seed insight: %v", err)
	}
}

func readDecisions(t *testing.T, dataRoot string) []types.AdviceDecision {
	t.Helper()
	f, err := os.Open(filepath.Join(dataRoot, "advisory_decision_ledger.jsonl"))
	if err != nil {
		t.Fatalf("open decision ledger: %v", err)
	}
	defer f.Close()
	var out []types.AdviceDecision
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d types.AdviceDecision
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			t.Fatalf("parse ledger line: %v", err)
		}
		out = append(out, d)
	}
	return out
}

func TestAdviseEmitsAndRecordsDecision(t *testing.T) {
	f := newFixture(t, config.DefaultAdvisoryConfig())
	f.seed(t, "Check the Bash exit status; non-zero means the command failed.", "Bash")

	items := f.engine.Advise(context.Background(),
		&Request{SessionID: "s1", Tool: "Bash", ToolArgs: map[string]any{"command": "make test"}})
	if len(items) == 0 {
		t.Fatal("expected advice for a seeded insight")
	}
	if !strings.Contains(items[0].Text, "exit status") {
		t.Fatalf("unexpected advice text: %q", items[0].Text)
	}

	decisions := readDecisions(t, f.dataRoot)
	if len(decisions) != 1 {
		t.Fatalf("decision ledger entries: got %d want 1", len(decisions))
	}
	d := decisions[0]
	if d.Outcome != types.AdviceEmitted || d.Route != types.RouteLive {
		t.Fatalf("decision: outcome=%s route=%s", d.Outcome, d.Route)
	}
	if d.SelectedCount != len(items) {
		t.Fatalf("selected count: got %d want %d", d.SelectedCount, len(items))
	}

	if _, err := os.Stat(filepath.Join(f.dataRoot, "advisor", "advice_log.jsonl")); err != nil {
		t.Fatalf("advice log missing for an emitted call: %v", err)
	}
}

// Identical stores must produce identical advice across independent engines:
// fusion and rerank are fully deterministic.
func TestAdviseDeterministic(t *testing.T) {
	statements := []string{
		"Check the Bash exit status; non-zero means the command failed.",
		"Quote paths with spaces in Bash commands or the call fails.",
		"Prefer Glob over find for file discovery.",
	}
	run := func() []types.AdviceItem {
		f := newFixture(t, config.DefaultAdvisoryConfig())
		for _, s := range statements {
			f.seed(t, s, "Bash")
		}
		return f.engine.Advise(context.Background(),
			&Request{SessionID: "s1", Tool: "Bash", ToolArgs: map[string]any{"command": "make"}})
	}

	first := run()
	second := run()
	if len(first) == 0 {
		t.Fatal("expected advice from seeded stores")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("advice not deterministic (-first +second):\n%s", diff)
	}
}

func TestRepeatAdviseBlockedAsTTLRepeat(t *testing.T) {
	f := newFixture(t, config.DefaultAdvisoryConfig())
	f.seed(t, "Check the Bash exit status; non-zero means the command failed.", "Bash")

	req := &Request{SessionID: "s1", Tool: "Bash", ToolArgs: map[string]any{"command": "make"}}
	if items := f.engine.Advise(context.Background(), req); len(items) == 0 {
		t.Fatal("first call should emit")
	}
	if items := f.engine.Advise(context.Background(), req); len(items) != 0 {
		t.Fatalf("immediate repeat should be blocked, got %d items", len(items))
	}

	decisions := readDecisions(t, f.dataRoot)
	if len(decisions) != 2 {
		t.Fatalf("ledger entries: got %d want 2", len(decisions))
	}
	blocked := decisions[1]
	if blocked.Outcome != types.AdviceBlocked {
		t.Fatalf("second decision: got %s want %s", blocked.Outcome, types.AdviceBlocked)
	}
	if len(blocked.SuppressionReasons) == 0 ||
		!strings.Contains(blocked.SuppressionReasons[0], "ago (TTL 600s)") {
		t.Fatalf("suppression reasons: got %v", blocked.SuppressionReasons)
	}
}

func TestAdviseQuickFallsBackToHeuristic(t *testing.T) {
	f := newFixture(t, config.DefaultAdvisoryConfig())

	// Less budget left than quick_min forces the quick path; the empty packet
	// cache leaves only the canned hint.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	items := f.engine.Advise(ctx, &Request{SessionID: "s1", Tool: "Bash"})
	if len(items) != 1 || items[0].Source != "heuristic" {
		t.Fatalf("expected one heuristic hint, got %+v", items)
	}
}

func TestAdviseQuickWithoutPacketOrHintBlocks(t *testing.T) {
	f := newFixture(t, config.DefaultAdvisoryConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if items := f.engine.Advise(ctx, &Request{SessionID: "s1", Tool: "TaskUpdate"}); len(items) != 0 {
		t.Fatalf("expected no advice, got %d items", len(items))
	}

	decisions := readDecisions(t, f.dataRoot)
	if len(decisions) != 1 || decisions[0].Outcome != types.AdviceBlocked {
		t.Fatalf("expected one blocked decision, got %+v", decisions)
	}
	if len(decisions[0].SuppressionReasons) == 0 ||
		decisions[0].SuppressionReasons[0] != "quick_budget_no_packet" {
		t.Fatalf("reasons: got %v", decisions[0].SuppressionReasons)
	}
}

type stubSource struct {
	name  string
	items []types.AdviceItem
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Retrieve(ctx context.Context, req *Request, k int) ([]types.AdviceItem, error) {
	return s.items, nil
}

func TestRRFFusionDeduplicatesByText(t *testing.T) {
	shared := "Check the exit status before assuming success."
	cogItem := types.AdviceItem{AdviceID: adviceID("cognitive", shared), Text: shared, Source: "cognitive"}
	eidItem := types.AdviceItem{AdviceID: adviceID("eidos", shared), Text: shared, Source: "eidos"}
	only := "Quote paths with spaces."
	onlyItem := types.AdviceItem{AdviceID: adviceID("eidos", only), Text: only, Source: "eidos"}

	sources := []Source{
		&stubSource{name: "cognitive"},
		&stubSource{name: "eidos"},
	}
	results := [][]types.AdviceItem{
		{cogItem},
		{onlyItem, eidItem},
	}
	weights := map[string]float64{"cognitive": 1.0, "eidos": 0.9}

	fused := rrfFuse(sources, results, weights)
	if len(fused) != 2 {
		t.Fatalf("fusion should merge identical text, got %d items", len(fused))
	}
	// Shared text accumulates both contributions and must outrank the
	// single-source item.
	if fused[0].Text != shared {
		t.Fatalf("fusion order wrong: %q first", fused[0].Text)
	}
	// Attribution follows the highest single contribution: cognitive at rank 0
	// with weight 1.0 beats eidos at rank 1 with 0.9.
	if fused[0].Source != "cognitive" {
		t.Fatalf("attribution: got %s want cognitive", fused[0].Source)
	}
	wantScore := 1.0/61 + 0.9/62
	if diff := fused[0].Score - wantScore; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("fused score: got %v want %v", fused[0].Score, wantScore)
	}
}

func TestRerankBoostsAnchoredAdvice(t *testing.T) {
	plain := types.AdviceItem{AdviceID: "adv-a", Text: "Keep commits small and focused.", Score: 1.0}
	anchored := types.AdviceItem{AdviceID: "adv-b", Text: "bash commands fail silently without set -e.", Score: 0.9}

	out := rerank([]types.AdviceItem{plain, anchored}, &Request{Tool: "Bash"}, 10)
	if out[0].AdviceID != "adv-b" {
		t.Fatalf("tool-anchored advice should rank first, got %s", out[0].AdviceID)
	}
}
