package cognitive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"kait/internal/bus"
	"kait/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	b := bus.New()
	s, err := New(filepath.Join(t.TempDir(), "cognitive_insights.json"),
		config.DefaultCognitiveConfig(), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		b.Close()
	})
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "Batch Read calls instead of sequential reads.",
		Source:    "ralph",
		Tools:     []string{"Read"},
		EventID:   "e1",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ins, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("insight not found after upsert")
	}
	if ins.Validations != 1 {
		t.Fatalf("new insight validations: got %d want 1", ins.Validations)
	}
	if ins.Reliability != 1.0 {
		t.Fatalf("new insight reliability: got %v want 1.0", ins.Reliability)
	}

	// Same statement upserts into the same key and counts as validation.
	key2, err := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "batch read calls instead of sequential reads",
		Source:    "ralph",
		EventID:   "e2",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if key2 != key {
		t.Fatalf("normalized statements should share a key: %s vs %s", key, key2)
	}
	ins, _ = s.Get(ctx, key)
	if ins.Validations != 2 {
		t.Fatalf("validations after duplicate upsert: got %d want 2", ins.Validations)
	}
}

func TestReliabilityInvariant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryReasoning,
		Statement: "Grep before Read narrows large files.",
		EventID:   "e0",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := s.Validate(ctx, key, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := s.Contradict(ctx, key, fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("contradict: %v", err)
		}
	}

	ins, _ := s.Get(ctx, key)
	want := float64(ins.Validations) / float64(ins.Validations+ins.Contradictions)
	if ins.Reliability != want {
		t.Fatalf("reliability invariant broken: got %v want %v", ins.Reliability, want)
	}
	if ins.Validations != 5 || ins.Contradictions != 5 {
		t.Fatalf("counters: got %d/%d want 5/5", ins.Validations, ins.Contradictions)
	}
	if ins.Confidence >= ins.Reliability {
		t.Fatalf("wilson bound must sit below the point estimate: %v >= %v",
			ins.Confidence, ins.Reliability)
	}
}

func TestEvidenceRingBounded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, _ := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "Prefer Glob over find for file discovery.",
		EventID:   "e0",
	})
	for i := 0; i < 30; i++ {
		if err := s.Validate(ctx, key, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}
	ins, _ := s.Get(ctx, key)
	ring := config.DefaultCognitiveConfig().EvidenceRing
	if len(ins.Evidence) != ring {
		t.Fatalf("evidence ring: got %d want %d", len(ins.Evidence), ring)
	}
	if ins.Evidence[ring-1] != "v29" {
		t.Fatalf("ring should keep newest ids, last is %s", ins.Evidence[ring-1])
	}
}

func TestPromoteDemote(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, _ := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "Run the linter before committing.",
		EventID:   "e0",
	})
	if err := s.MarkPromoted(ctx, key, "CLAUDE.md"); err != nil {
		t.Fatalf("mark promoted: %v", err)
	}
	ins, _ := s.Get(ctx, key)
	if !ins.Promoted || ins.PromotedTo != "CLAUDE.md" {
		t.Fatalf("promotion not recorded: %+v", ins)
	}

	if err := s.Demote(ctx, key, "reliability_degraded"); err != nil {
		t.Fatalf("demote: %v", err)
	}
	ins, _ = s.Get(ctx, key)
	if ins.Promoted {
		t.Fatal("demoted insight still marked promoted")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, _ := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "Check exit codes on every Bash call.",
		EventID:   "e0",
	})
	snap := s.Snapshot(ctx)
	if len(snap) != 1 {
		t.Fatalf("snapshot size: got %d want 1", len(snap))
	}
	snap[0].Statement = "mutated"

	ins, _ := s.Get(ctx, key)
	if ins.Statement == "mutated" {
		t.Fatal("snapshot shares memory with the store")
	}
}

func TestReplayedUpsertDoesNotDoubleCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	req := UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "Pin dependency versions in CI builds.",
		Source:    "ralph",
		EventID:   "evt-1",
	}
	key, err := s.Upsert(ctx, req)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A crash before the queue cursor commits replays the batch; the same
	// event must not bump counters again.
	if _, err := s.Upsert(ctx, req); err != nil {
		t.Fatalf("replayed upsert: %v", err)
	}

	ins, _ := s.Get(ctx, key)
	if ins.Validations != 1 {
		t.Fatalf("validations after replay: got %d want 1", ins.Validations)
	}
	if len(ins.Evidence) != 1 || ins.Evidence[0] != "evt-1" {
		t.Fatalf("evidence after replay: %v", ins.Evidence)
	}
}

func TestReplayedValidateAndContradictAreIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, _ := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryWisdom,
		Statement: "Quote shell arguments that contain spaces.",
		EventID:   "e0",
	})
	for i := 0; i < 3; i++ {
		if err := s.Validate(ctx, key, "v1"); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.Contradict(ctx, key, "c1"); err != nil {
			t.Fatalf("contradict: %v", err)
		}
	}

	ins, _ := s.Get(ctx, key)
	if ins.Validations != 2 {
		t.Fatalf("validations: got %d want 2", ins.Validations)
	}
	if ins.Contradictions != 1 {
		t.Fatalf("contradictions: got %d want 1", ins.Contradictions)
	}
}

func TestStatementTruncationKeepsRunesWhole(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	long := strings.Repeat("é", config.DefaultCognitiveConfig().MaxStatementChars+50)
	key, err := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryOther,
		Statement: long,
		EventID:   "e0",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ins, _ := s.Get(ctx, key)
	if !utf8.ValidString(ins.Statement) {
		t.Fatal("truncation split a rune")
	}
	max := config.DefaultCognitiveConfig().MaxStatementChars
	if got := utf8.RuneCountInString(ins.Statement); got != max {
		t.Fatalf("rune count: got %d want %d", got, max)
	}
}

func TestStatementTruncatedAtUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	long := ""
	for i := 0; i < 60; i++ {
		long += "0123456789"
	}
	key, err := s.Upsert(ctx, UpsertRequest{
		Category:  CategoryOther,
		Statement: long,
		EventID:   "e0",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ins, _ := s.Get(ctx, key)
	max := config.DefaultCognitiveConfig().MaxStatementChars
	if len(ins.Statement) > max {
		t.Fatalf("statement not truncated: %d > %d", len(ins.Statement), max)
	}
}
