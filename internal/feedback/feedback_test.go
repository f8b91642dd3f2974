package feedback

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/types"
)

type matcherFixture struct {
	m        *Matcher
	cog      *cognitive.Store
	dataRoot string
	now      *time.Time
}

func newFixture(t *testing.T) *matcherFixture {
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

	m := NewMatcher(config.DefaultFeedbackConfig(), dataRoot, cog, eid)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return &matcherFixture{m: m, cog: cog, dataRoot: dataRoot, now: &now}
}

func (f *matcherFixture) seedInsight(t *testing.T) string {
	t.Helper()
	key, err := f.cog.Upsert(context.Background(), cognitive.UpsertRequest{
		Category:  cognitive.CategoryWisdom,
		Statement: "Check the Bash exit status before the next step.",
		Tools:     []string{"Bash"},
		EventID:   "seed",
	})
	if err != nil {
		t.Fatalf("seed insight: %v", err)
	}
	return key
}

func (f *matcherFixture) expose(adviceID, sourceKey string) {
	f.m.recordExposures(&bus.AdviceEmitted{
		SessionID:  "s1",
		Tool:       "Bash",
		AdviceIDs:  []string{adviceID},
		Sources:    []string{"cognitive"},
		SourceKeys: []string{sourceKey},
		TS:         *f.now,
	})
}

func readFeedbackLog(t *testing.T, dataRoot string) []types.FeedbackEntry {
	t.Helper()
	file, err := os.Open(filepath.Join(dataRoot, "advisor", "implicit_feedback.jsonl"))
	if err != nil {
		t.Fatalf("open feedback log: %v", err)
	}
	defer file.Close()
	var out []types.FeedbackEntry
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var e types.FeedbackEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("parse feedback entry: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestSameToolSuccessMeansFollowed(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	*f.now = f.now.Add(5 * time.Second)
	f.m.matchEvent(&types.Event{
		ID: "e1", SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash",
	})

	entries := readFeedbackLog(t, f.dataRoot)
	if len(entries) != 1 || entries[0].Signal != types.SignalFollowed {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].LatencyS != 5 {
		t.Fatalf("latency: got %v want 5", entries[0].LatencyS)
	}

	ins, _ := f.cog.Get(context.Background(), key)
	if ins.Validations != 2 { // upsert + followed
		t.Fatalf("validations: got %d want 2", ins.Validations)
	}
	// The evidence ring records the triggering event, not the advice id.
	if got := ins.Evidence[len(ins.Evidence)-1]; got != "e1" {
		t.Fatalf("evidence records %q, want the event id e1", got)
	}
	if f.m.ExposureCount() != 0 {
		t.Fatalf("exposure not consumed, %d left", f.m.ExposureCount())
	}
}

func TestSameToolFailureMeansUnhelpful(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	*f.now = f.now.Add(3 * time.Second)
	f.m.matchEvent(&types.Event{
		ID: "e1", SessionID: "s1", Kind: types.KindPostToolFailure, Tool: "Bash",
	})

	entries := readFeedbackLog(t, f.dataRoot)
	if len(entries) != 1 || entries[0].Signal != types.SignalUnhelpful {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].Success {
		t.Fatal("failure event logged as success")
	}

	ins, _ := f.cog.Get(context.Background(), key)
	if ins.Contradictions != 1 {
		t.Fatalf("contradictions: got %d want 1", ins.Contradictions)
	}
	if got := ins.CounterExamples[len(ins.CounterExamples)-1]; got != "e1" {
		t.Fatalf("counter-example records %q, want the event id e1", got)
	}
}

func TestExplicitFailureFlagMeansUnhelpful(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	failed := false
	*f.now = f.now.Add(time.Second)
	f.m.matchEvent(&types.Event{
		ID: "e1", SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash",
		Success: &failed,
	})

	ins, _ := f.cog.Get(context.Background(), key)
	if ins.Contradictions != 1 {
		t.Fatalf("success=false should contradict, got %d contradictions", ins.Contradictions)
	}
}

func TestDifferentToolMeansIgnored(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	*f.now = f.now.Add(2 * time.Second)
	f.m.matchEvent(&types.Event{
		ID: "e1", SessionID: "s1", Kind: types.KindPostTool, Tool: "Read",
	})

	entries := readFeedbackLog(t, f.dataRoot)
	if len(entries) != 1 || entries[0].Signal != types.SignalIgnored {
		t.Fatalf("entries: %+v", entries)
	}

	// Ignored advice says nothing about its truth: counters untouched.
	ins, _ := f.cog.Get(context.Background(), key)
	if ins.Validations != 1 || ins.Contradictions != 0 {
		t.Fatalf("counters moved on ignored signal: %d/%d", ins.Validations, ins.Contradictions)
	}
}

func TestJudgementIsIdempotentPerEventAdvicePair(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	event := &types.Event{ID: "e1", SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash"}
	*f.now = f.now.Add(time.Second)
	f.m.matchEvent(event)

	// Replay: same advice re-exposed, same event re-processed.
	f.expose("adv-1", key)
	f.m.matchEvent(event)

	entries := readFeedbackLog(t, f.dataRoot)
	if len(entries) != 1 {
		t.Fatalf("replayed event judged twice: %d entries", len(entries))
	}
	ins, _ := f.cog.Get(context.Background(), key)
	if ins.Validations != 2 {
		t.Fatalf("validations after replay: got %d want 2", ins.Validations)
	}
}

func TestStaleExposureDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	timeout := config.DefaultFeedbackConfig().ExposureTimeout
	*f.now = f.now.Add(timeout + time.Second)
	f.m.matchEvent(&types.Event{
		ID: "e1", SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash",
	})

	if _, err := os.Stat(filepath.Join(f.dataRoot, "advisor", "implicit_feedback.jsonl")); err == nil {
		t.Fatal("stale exposure produced a feedback entry")
	}
	if f.m.ExposureCount() != 1 {
		t.Fatalf("stale exposure should stay until expiry, count %d", f.m.ExposureCount())
	}
}

func TestExpireDropsOldExposures(t *testing.T) {
	f := newFixture(t)
	key := f.seedInsight(t)
	f.expose("adv-1", key)

	expiry := config.DefaultFeedbackConfig().ExposureExpiry
	*f.now = f.now.Add(expiry + time.Second)
	f.m.expire()

	if f.m.ExposureCount() != 0 {
		t.Fatalf("expired exposure still tracked, count %d", f.m.ExposureCount())
	}
}
