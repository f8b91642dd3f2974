package advisory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/types"
)

func packetFor(key, tool string, builtAt time.Time) *Packet {
	return &Packet{
		Key:  key,
		Tool: tool,
		Items: []types.AdviceItem{{
			AdviceID: adviceID("packet", "Quote paths with spaces in "+tool+" commands."),
			Text:     "Quote paths with spaces in " + tool + " commands.",
			Source:   "packet",
			Score:    0.5,
		}},
		BuiltAt: builtAt,
	}
}

func TestLookupPrefersExactKey(t *testing.T) {
	c := NewPacketCache("", time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	exact := PacketKey("Bash", "make", "execute")
	relaxed := PacketKey("Bash", "", "")
	c.packets[exact] = packetFor(exact, "Bash", now)
	c.packets[relaxed] = packetFor(relaxed, "Bash", now)

	_, route, ok := c.Lookup("Bash", "make", "execute")
	if !ok || route != types.RoutePacketExact {
		t.Fatalf("exact lookup: ok=%v route=%s", ok, route)
	}

	_, route, ok = c.Lookup("Bash", "other-head", "execute")
	if !ok || route != types.RoutePacketRelaxed {
		t.Fatalf("relaxed lookup: ok=%v route=%s", ok, route)
	}

	if _, _, ok := c.Lookup("Edit", "", ""); ok {
		t.Fatal("lookup for an uncached tool must miss")
	}
}

func TestExpiredPacketIsAMiss(t *testing.T) {
	c := NewPacketCache("", time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := PacketKey("Bash", "", "")
	c.packets[key] = packetFor(key, "Bash", now.Add(-2*time.Minute))

	if _, _, ok := c.Lookup("Bash", "", ""); ok {
		t.Fatal("expired packet served")
	}
}

func TestRebuildAndPersistRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "advisor", "packets.json")
	b := bus.New()
	defer b.Close()

	cog, err := cognitive.New(filepath.Join(dir, "cognitive_insights.json"),
		config.DefaultCognitiveConfig(), b)
	if err != nil {
		t.Fatalf("open cognitive store: %v", err)
	}
	defer cog.Close()
	eid, err := eidos.Open(filepath.Join(dir, "eidos.db"), config.DefaultEidosConfig(), b)
	if err != nil {
		t.Fatalf("open eidos store: %v", err)
	}
	defer eid.Close()

	ctx := context.Background()
	if _, err := cog.Upsert(ctx, cognitive.UpsertRequest{
		Category:  cognitive.CategoryWisdom,
		Statement: "Check the Bash exit status before the next step.",
		Tools:     []string{"Bash"},
		EventID:   "e1",
	}); err != nil {
		t.Fatalf("seed insight: %v", err)
	}

	c := NewPacketCache(path, 15*time.Minute)
	if err := c.Rebuild(ctx, cog, eid, 3); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	p, route, ok := c.Lookup("Bash", "anything", "")
	if !ok || route != types.RoutePacketRelaxed {
		t.Fatalf("rebuilt packet lookup: ok=%v route=%s", ok, route)
	}
	if len(p.Items) != 1 || p.Items[0].Source != "packet" {
		t.Fatalf("packet items: %+v", p.Items)
	}

	// A fresh cache reloads the persisted file.
	reloaded := NewPacketCache(path, 15*time.Minute)
	if _, _, ok := reloaded.Lookup("Bash", "anything", ""); !ok {
		t.Fatal("persisted packets not reloaded")
	}
}

// Distillation triggers carry the tool lowercased while hook events carry the
// agent's casing; both must resolve to the same packet.
func TestRebuildServesDistillationsUnderToolCasing(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	defer b.Close()

	cog, err := cognitive.New(filepath.Join(dir, "cognitive_insights.json"),
		config.DefaultCognitiveConfig(), b)
	if err != nil {
		t.Fatalf("open cognitive store: %v", err)
	}
	defer cog.Close()
	eid, err := eidos.Open(filepath.Join(dir, "eidos.db"), config.DefaultEidosConfig(), b)
	if err != nil {
		t.Fatalf("open eidos store: %v", err)
	}
	defer eid.Close()

	for i := 0; i < 6; i++ {
		pre := types.Event{
			ID:        types.NewEventID(),
			SessionID: "s1",
			Kind:      types.KindPreTool,
			Tool:      "Read",
			ToolArgs:  []byte(`{"file_path":"main.go"}`),
		}
		if err := eid.HandleEvent(&pre); err != nil {
			t.Fatalf("pre_tool %d: %v", i, err)
		}
		post := types.Event{
			ID:        types.NewEventID(),
			SessionID: "s1",
			Kind:      types.KindPostTool,
			Tool:      "Read",
		}
		if err := eid.HandleEvent(&post); err != nil {
			t.Fatalf("post_tool %d: %v", i, err)
		}
	}
	episodeID, err := eid.CloseSession("s1")
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	dists, err := eid.Aggregate(episodeID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(dists) == 0 {
		t.Fatal("no distillation produced")
	}

	c := NewPacketCache("", 15*time.Minute)
	if err := c.Rebuild(context.Background(), cog, eid, 3); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	p, route, ok := c.Lookup("Read", "", "")
	if !ok {
		t.Fatal("packet for tool Read not served")
	}
	if route != types.RoutePacketExact && route != types.RoutePacketRelaxed {
		t.Fatalf("route: %s", route)
	}
	found := false
	for _, item := range p.Items {
		if item.SourceKey == dists[0].DistillationID {
			found = true
		}
	}
	if !found {
		t.Fatalf("distillation missing from packet items: %+v", p.Items)
	}
}
