// Package pipeline is the single consumer of the event queue. Each cycle
// reads a batch, partitions it by priority, samples low-importance noise,
// drives every sink (episodic store, memory capture, quality gate, cognitive
// store), and only then commits the queue cursor. A panic anywhere in a
// cycle is logged and the cursor stays put, so the next cycle retries the
// same batch.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/logging"
	"kait/internal/memory"
	"kait/internal/queue"
	"kait/internal/ralph"
	"kait/internal/types"
)

// BatchStats summarizes the last completed cycle, surfaced by /status.
type BatchStats struct {
	TS        time.Time `json:"ts"`
	BatchSize int       `json:"batch_size"`
	High      int       `json:"high"`
	Medium    int       `json:"medium"`
	Low       int       `json:"low"`
	Sampled   int       `json:"sampled_out"`
	Skipped   int       `json:"skipped_seen"`
	Captured  int       `json:"captured"`
	Quality   int       `json:"quality"`
	Distilled int       `json:"distilled"`
	Depth     int64     `json:"queue_depth"`
	CycleMS   int64     `json:"cycle_ms"`
}

// Observer is a pluggable pass-through sink. The open build registers none;
// closed-source builds attach their own before Run. Observers must not block.
type Observer interface {
	Observe(e *types.Event)
}

// Pipeline owns the queue read side and fans each event out to the sinks.
type Pipeline struct {
	cfg       config.PipelineConfig
	q         *queue.Queue
	eid       *eidos.Store
	cog       *cognitive.Store
	cap       *memory.Capturer
	gate      *ralph.Gate
	bus       *bus.Bus
	observers []Observer

	lastCycleNS atomic.Int64
	stats       atomic.Pointer[BatchStats]

	now func() time.Time
}

// New wires the pipeline. It does not start it; call Run.
func New(cfg config.PipelineConfig, q *queue.Queue, eid *eidos.Store, cog *cognitive.Store, capturer *memory.Capturer, gate *ralph.Gate, b *bus.Bus) *Pipeline {
	p := &Pipeline{
		cfg:  cfg,
		q:    q,
		eid:  eid,
		cog:  cog,
		cap:  capturer,
		gate: gate,
		bus:  b,
		now:  time.Now,
	}
	p.stats.Store(&BatchStats{})
	return p
}

// RegisterObserver attaches a pass-through sink. Call before Run.
func (p *Pipeline) RegisterObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Run drives cycles until ctx is done. Busy cycles run back-to-back on the
// short interval; idle cycles slow down and take over queue housekeeping
// (overflow merge, rotation, session sweep).
func (p *Pipeline) Run(ctx context.Context) {
	logging.Pipeline("pipeline scheduler started, batch_max=%d", p.cfg.BatchMax)
	for {
		processed := p.safeCycle(ctx)

		interval := p.cfg.Interval
		if processed == 0 {
			interval = p.cfg.IdleInterval
			p.idleHousekeeping()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// safeCycle runs one cycle under panic recovery. A recovered panic means no
// commit happened, so the batch is retried next cycle.
func (p *Pipeline) safeCycle(ctx context.Context) (processed int) {
	defer func() {
		if r := recover(); r != nil {
			logging.PipelineError("cycle panic recovered, batch not committed: %v", r)
			processed = 0
		}
	}()
	return p.cycle(ctx)
}

func (p *Pipeline) cycle(ctx context.Context) int {
	start := p.now()

	batchMax := p.cfg.BatchMax
	depth := p.q.Depth()
	if depth > p.cfg.SoftPressure {
		batchMax *= 2
	}

	entries, cursor, err := p.q.ReadBatch(batchMax)
	if err != nil {
		logging.PipelineError("read batch: %v", err)
		return 0
	}
	if len(entries) == 0 {
		p.lastCycleNS.Store(p.now().UnixNano())
		return 0
	}

	stats := BatchStats{TS: start.UTC(), BatchSize: len(entries)}
	ordered := p.partition(entries, &stats)

	var processedIDs []string
	for _, e := range ordered {
		if p.q.Seen(e.ID) {
			stats.Skipped++
			continue
		}
		p.process(ctx, e, &stats)
		processedIDs = append(processedIDs, e.ID)
	}

	// Sweep idle sessions and aggregate the episodes that closed. Done
	// before commit so a crash re-runs it; aggregation upserts are
	// idempotent by distillation key.
	closed, err := p.eid.SweepSessions()
	if err != nil {
		logging.PipelineError("session sweep: %v", err)
	}
	for _, episodeID := range closed {
		dists, err := p.eid.Aggregate(episodeID)
		if err != nil {
			logging.PipelineError("aggregate %s: %v", episodeID, err)
			continue
		}
		stats.Distilled += len(dists)
	}

	// Commit ids for every entry in the batch, including sampled-out and
	// already-seen ones; the cursor has passed them either way.
	allIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		allIDs = append(allIDs, entry.Event.ID)
	}
	if err := p.q.Commit(cursor, allIDs); err != nil {
		logging.PipelineError("commit batch: %v", err)
		return 0
	}

	stats.Depth = p.q.Depth()
	stats.CycleMS = p.now().Sub(start).Milliseconds()
	p.stats.Store(&stats)
	p.lastCycleNS.Store(p.now().UnixNano())

	logging.PipelineDebug("cycle: %d read, %d processed, %d sampled out, %dms",
		stats.BatchSize, len(processedIDs), stats.Sampled, stats.CycleMS)
	return len(processedIDs)
}

// partition orders the batch HIGH then MEDIUM then LOW and drops a
// deterministic share of low-importance LOW events. Sampling hashes the
// event id, so replays make identical keep/drop decisions.
func (p *Pipeline) partition(entries []types.QueueEntry, stats *BatchStats) []*types.Event {
	var high, medium, low []*types.Event
	for i := range entries {
		e := &entries[i].Event
		switch entries[i].Priority {
		case types.PriorityHigh:
			high = append(high, e)
		case types.PriorityMedium:
			medium = append(medium, e)
		default:
			if e.Importance < p.cfg.LowImportance && !keepByHash(e.ID, p.cfg.LowKeepRate) {
				stats.Sampled++
				continue
			}
			low = append(low, e)
		}
	}
	stats.High, stats.Medium, stats.Low = len(high), len(medium), len(low)

	// Arrival order within each priority class is preserved.
	ordered := make([]*types.Event, 0, len(high)+len(medium)+len(low))
	ordered = append(ordered, high...)
	ordered = append(ordered, medium...)
	ordered = append(ordered, low...)
	return ordered
}

// keepByHash maps the event id onto [0,1) and keeps it below rate.
func keepByHash(eventID string, rate float64) bool {
	h := fnv.New32a()
	h.Write([]byte(eventID))
	return float64(h.Sum32())/float64(^uint32(0)) < rate
}

// process drives one event through every sink. Sink errors are logged and
// the event still counts as processed; only infrastructure failures (read,
// commit) stall the queue.
func (p *Pipeline) process(ctx context.Context, e *types.Event, stats *BatchStats) {
	if candidate, ok := p.captureCandidate(e); ok {
		stats.Captured++
		verdict := p.gate.Roast(*candidate)
		if verdict.Verdict == ralph.VerdictQuality {
			stats.Quality++
			_, err := p.cog.Upsert(ctx, cognitive.UpsertRequest{
				Category:  cognitive.Category(verdict.Category),
				Statement: verdict.RefinedVersion,
				Source:    "ralph",
				Tools:     toolList(e.Tool),
				EventID:   e.ID,
			})
			if err != nil {
				logging.PipelineError("upsert insight for %s: %v", e.ID, err)
			}
		}
	}

	if err := p.eid.HandleEvent(e); err != nil {
		logging.PipelineError("eidos handle %s: %v", e.ID, err)
	}

	for _, o := range p.observers {
		o.Observe(e)
	}

	p.bus.EventProcessed.Publish(bus.EventProcessed{Event: *e})
}

// captureCandidate runs memory capture; user prompts that the rules miss
// are still roasted so the gate's verdict (usually primitive) is on record.
func (p *Pipeline) captureCandidate(e *types.Event) (*ralph.Candidate, bool) {
	if pending, ok := p.cap.Capture(e); ok {
		return &ralph.Candidate{
			EventID:   pending.EventID,
			SessionID: pending.SessionID,
			Category:  pending.Category,
			Statement: pending.Statement,
			Score:     pending.Score,
			Tool:      pending.Tool,
		}, true
	}
	if e.Kind == types.KindUserPrompt && e.Text != "" {
		return &ralph.Candidate{
			EventID:   e.ID,
			SessionID: e.SessionID,
			Category:  string(cognitive.CategoryOther),
			Statement: e.Text,
			Tool:      e.Tool,
		}, true
	}
	return nil, false
}

func toolList(tool string) []string {
	if tool == "" {
		return nil
	}
	return []string{tool}
}

// idleHousekeeping runs the queue maintenance that needs quiet moments.
func (p *Pipeline) idleHousekeeping() {
	if merged, err := p.q.MergeOverflow(); err != nil {
		logging.PipelineError("merge overflow: %v", err)
	} else if merged > 0 {
		logging.Pipeline("merged %d overflow event(s)", merged)
	}
	if err := p.q.MaybeRotate(); err != nil {
		logging.PipelineError("rotate queue: %v", err)
	}
}

// Stats returns the last completed cycle's summary.
func (p *Pipeline) Stats() BatchStats {
	return *p.stats.Load()
}

// LastCycleAge reports how long ago a cycle completed; /status exposes it.
func (p *Pipeline) LastCycleAge() time.Duration {
	ns := p.lastCycleNS.Load()
	if ns == 0 {
		return -1
	}
	return time.Duration(p.now().UnixNano() - ns)
}
