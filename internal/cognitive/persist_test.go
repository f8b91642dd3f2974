package cognitive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kait/internal/bus"
	"kait/internal/config"
)

// Serialize-reload-serialize must be byte-identical: the snapshot file uses
// canonical key ordering and stable formatting.
func TestSnapshotRoundtripByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cognitive_insights.json")
	b := bus.New()
	defer b.Close()

	s, err := New(path, config.DefaultCognitiveConfig(), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	statements := []string{
		"Prefer Glob over find for file discovery.",
		"Check exit codes on every Bash call.",
		"Grep before Read narrows large files.",
	}
	for i, stmt := range statements {
		if _, err := s.Upsert(ctx, UpsertRequest{
			Category:  CategoryWisdom,
			Statement: stmt,
			EventID:   statements[i][:4],
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	s.Close()

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	insights, err := loadSnapshot(path)
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	second := filepath.Join(dir, "rewritten.json")
	if err := saveSnapshot(second, insights); err != nil {
		t.Fatalf("rewrite snapshot: %v", err)
	}
	rewritten, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read rewritten: %v", err)
	}

	if diff := cmp.Diff(string(first), string(rewritten)); diff != "" {
		t.Fatalf("serialize-reload-serialize not byte-identical (-first +second):\n%s", diff)
	}
}

func TestLoadMissingSnapshotStartsEmpty(t *testing.T) {
	insights, err := loadSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing snapshot should not error: %v", err)
	}
	if len(insights) != 0 {
		t.Fatalf("expected empty store, got %d", len(insights))
	}
}

func TestLoadCorruptSnapshotIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cognitive_insights.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := loadSnapshot(path); err == nil {
		t.Fatal("corrupt snapshot must fail loudly, not silently reset")
	}
}
