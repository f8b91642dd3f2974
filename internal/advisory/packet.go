package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kait/internal/cognitive"
	"kait/internal/eidos"
	"kait/internal/logging"
	"kait/internal/types"
)

// Packet is a pre-computed bundle of advice candidates for one key. Packets
// trade freshness for latency: the quick-fallback path serves them when the
// live pipeline cannot finish inside the budget.
type Packet struct {
	Key     string             `json:"key"`
	Tool    string             `json:"tool"`
	Items   []types.AdviceItem `json:"items"`
	BuiltAt time.Time          `json:"built_at"`
}

// PacketKey hashes tool, normalized arg head, and session phase into the
// cache key. The tool is lowercased so builders and callers agree no matter
// which casing they carry (distillation triggers are lowercase, hook events
// use the agent's casing). Relaxed lookups drop the arg head and phase.
func PacketKey(tool, argHead, phase string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(tool)))
	h.Write([]byte("|"))
	h.Write([]byte(argHead))
	h.Write([]byte("|"))
	h.Write([]byte(phase))
	return fmt.Sprintf("pkt-%016x", h.Sum64())
}

// PacketCache holds packets in memory and mirrors them to packets.json.
type PacketCache struct {
	mu      sync.RWMutex
	packets map[string]*Packet
	path    string
	ttl     time.Duration
	now     func() time.Time
}

// NewPacketCache loads any persisted packets from path. A missing or corrupt
// file starts empty; packets are rebuilt from the stores anyway.
func NewPacketCache(path string, ttl time.Duration) *PacketCache {
	c := &PacketCache{
		packets: make(map[string]*Packet),
		path:    path,
		ttl:     ttl,
		now:     time.Now,
	}
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.AdvisoryWarn("read packet cache: %v", err)
		}
		return c
	}
	var stored []*Packet
	if err := json.Unmarshal(data, &stored); err != nil {
		logging.AdvisoryWarn("parse packet cache, starting empty: %v", err)
		return c
	}
	for _, p := range stored {
		c.packets[p.Key] = p
	}
	logging.AdvisoryDebug("packet cache loaded: %d packets", len(stored))
	return c
}

// Lookup returns the packet for the exact key, or the relaxed (tool-only)
// packet, or nothing. Expired packets are treated as misses.
func (c *PacketCache) Lookup(tool, argHead, phase string) (*Packet, types.AdviceRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.fresh(PacketKey(tool, argHead, phase)); ok {
		return p, types.RoutePacketExact, true
	}
	if p, ok := c.fresh(PacketKey(tool, "", "")); ok {
		return p, types.RoutePacketRelaxed, true
	}
	return nil, "", false
}

func (c *PacketCache) fresh(key string) (*Packet, bool) {
	p, ok := c.packets[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(p.BuiltAt) > c.ttl {
		return nil, false
	}
	return p, true
}

// Rebuild recomputes the relaxed per-tool packets from the current stores
// and persists the cache. It is called off the hot path by the advisory
// maintenance loop.
func (c *PacketCache) Rebuild(ctx context.Context, cog *cognitive.Store, eid *eidos.Store, perTool int) error {
	byTool := make(map[string][]types.AdviceItem)

	for _, ins := range cog.Snapshot(ctx) {
		if ins.AdvisoryReadiness <= 0 {
			continue
		}
		item := types.AdviceItem{
			AdviceID:  adviceID("packet", ins.Statement),
			Text:      ins.Statement,
			Source:    "packet",
			SourceKey: ins.Key,
			Score:     ins.AdvisoryReadiness,
		}
		if len(ins.Tools) == 0 {
			byTool[""] = append(byTool[""], item)
			continue
		}
		for _, tool := range ins.Tools {
			bucket := strings.ToLower(tool)
			byTool[bucket] = append(byTool[bucket], item)
		}
	}

	dists, err := eid.Distillations()
	if err != nil {
		return fmt.Errorf("rebuild packets: %w", err)
	}
	for _, d := range dists {
		item := types.AdviceItem{
			AdviceID:  adviceID("packet", d.Statement),
			Text:      d.Statement,
			Source:    "packet",
			SourceKey: d.DistillationID,
			Score:     d.Confidence,
		}
		bucket := ""
		for _, trigger := range d.Triggers {
			if trigger != "" {
				bucket = strings.ToLower(trigger)
				break
			}
		}
		byTool[bucket] = append(byTool[bucket], item)
	}

	now := c.now().UTC()
	next := make(map[string]*Packet, len(byTool))
	for tool, items := range byTool {
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Score != items[j].Score {
				return items[i].Score > items[j].Score
			}
			return items[i].AdviceID < items[j].AdviceID
		})
		if len(items) > perTool {
			items = items[:perTool]
		}
		key := PacketKey(tool, "", "")
		next[key] = &Packet{Key: key, Tool: tool, Items: items, BuiltAt: now}
	}

	c.mu.Lock()
	c.packets = next
	c.mu.Unlock()

	if err := c.persist(); err != nil {
		return err
	}
	logging.AdvisoryDebug("packet cache rebuilt: %d packets", len(next))
	return nil
}

func (c *PacketCache) persist() error {
	if c.path == "" {
		return nil
	}
	c.mu.RLock()
	stored := make([]*Packet, 0, len(c.packets))
	for _, p := range c.packets {
		stored = append(stored, p)
	}
	c.mu.RUnlock()
	sort.Slice(stored, func(i, j int) bool { return stored[i].Key < stored[j].Key })

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal packet cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create advisor dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write packet cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename packet cache: %w", err)
	}
	return nil
}

// packetSource exposes the cache as a retrieval source for the live path.
type packetSource struct {
	cache *PacketCache
}

func (s *packetSource) Name() string { return "packet" }

func (s *packetSource) Retrieve(ctx context.Context, req *Request, k int) ([]types.AdviceItem, error) {
	p, _, ok := s.cache.Lookup(req.Tool, req.ArgHead(), req.Phase)
	if !ok {
		return nil, nil
	}
	items := p.Items
	if len(items) > k {
		items = items[:k]
	}
	return items, ctx.Err()
}
