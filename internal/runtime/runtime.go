// Package runtime assembles the whole daemon: opens the stores, wires the
// pipeline and advisory engine, and manages the worker lifecycle with a
// defined shutdown order (HTTP first, stores last).
package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"kait/internal/advisory"
	"kait/internal/bus"
	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/eidos"
	"kait/internal/feedback"
	"kait/internal/ingest"
	"kait/internal/logging"
	"kait/internal/memory"
	"kait/internal/pipeline"
	"kait/internal/promotion"
	"kait/internal/queue"
	"kait/internal/ralph"
	"kait/internal/types"
)

// maintenanceInterval paces packet rebuilds and suppression sweeps.
const maintenanceInterval = 5 * time.Minute

// Runtime is the assembled daemon.
type Runtime struct {
	cfg *config.Config
	bus *bus.Bus

	Queue     *queue.Queue
	Cognitive *cognitive.Store
	Eidos     *eidos.Store
	Pipeline  *pipeline.Pipeline
	Advisory  *advisory.Engine
	Feedback  *feedback.Matcher
	Promoter  *promotion.Promoter
	Server    *ingest.Server

	heartbeats *heartbeatWriter

	wg sync.WaitGroup
}

// New opens every store and wires the components. Nothing runs until Run.
func New(cfg *config.Config) (*Runtime, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.DataRoot); err != nil {
		return nil, fmt.Errorf("initialize logging: %v: %w", err, types.ErrFatal)
	}

	b := bus.New()

	q, err := queue.Open(cfg.Path("queue"), cfg.Queue)
	if err != nil {
		return nil, err
	}
	cog, err := cognitive.New(cfg.Path("cognitive_insights.json"), cfg.Cognitive, b)
	if err != nil {
		return nil, err
	}
	eid, err := eidos.Open(cfg.Path("eidos.db"), cfg.Eidos, b)
	if err != nil {
		return nil, err
	}

	capturer := memory.NewCapturer(cfg.Memory)
	gate := ralph.NewGate(cfg.Ralph, func() []string {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var statements []string
		for _, ins := range cog.Snapshot(ctx) {
			statements = append(statements, ins.Statement)
		}
		return statements
	}, cfg.Path("roast_history.jsonl"))

	pipe := pipeline.New(cfg.Pipeline, q, eid, cog, capturer, gate, b)

	cache := advisory.NewPacketCache(cfg.Path("advisor", "packets.json"), cfg.Advisory.PacketTTL)
	engine := advisory.NewEngine(cfg.Advisory, cog, eid, cache, cfg.DataRoot, b)

	matcher := feedback.NewMatcher(cfg.Feedback, cfg.DataRoot, cog, eid)
	promoter := promotion.NewPromoter(cfg.Promotion, cfg.DataRoot, cog)

	token, err := ingest.LoadToken(cfg.DataRoot)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:        cfg,
		bus:        b,
		Queue:      q,
		Cognitive:  cog,
		Eidos:      eid,
		Pipeline:   pipe,
		Advisory:   engine,
		Feedback:   matcher,
		Promoter:   promoter,
		heartbeats: newHeartbeatWriter(cfg.DataRoot),
	}
	rt.Server = ingest.NewServer(cfg.Ingest, cfg.Pipeline.HardPressure, q, token, rt.statusSnapshot, rt.adviseEvent)
	return rt, nil
}

// Run starts the workers and blocks until ctx is done, then shuts down in
// order: HTTP server, workers, bus, stores.
func (rt *Runtime) Run(ctx context.Context) error {
	workCtx, cancelWorkers := context.WithCancel(context.Background())

	rt.spawn("pipeline", func() { rt.Pipeline.Run(workCtx) })
	rt.spawn("heartbeats", func() { rt.heartbeats.Run(workCtx, rt.workerNames()) })

	if !rt.cfg.Lite {
		rt.spawn("feedback", func() { rt.Feedback.Run(workCtx, rt.bus) })
		rt.spawn("promotion", func() { rt.Promoter.Run(workCtx) })
		rt.spawn("maintenance", func() { rt.maintenanceLoop(workCtx) })
		rt.spawn("config-watch", func() { rt.watchConfig(workCtx) })
	} else {
		logging.Boot("lite mode: ingest + pipeline only")
	}

	serverErr := make(chan error, 1)
	rt.spawn("ingest", func() { serverErr <- rt.Server.Run(ctx) })

	logging.Boot("kaitd running, data root %s", rt.cfg.DataRoot)

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
	}

	// The server's Run drains on ctx cancellation; stop everything else
	// after it so in-flight posts still land in the queue.
	cancelWorkers()
	rt.wg.Wait()
	rt.bus.Close()
	rt.Cognitive.Close()
	if cerr := rt.Eidos.Close(); cerr != nil {
		logging.StoreError("close eidos: %v", cerr)
	}
	logging.Boot("kaitd stopped")
	logging.CloseAll()
	return err
}

func (rt *Runtime) spawn(name string, fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fn()
		logging.Boot("worker %s stopped", name)
	}()
}

func (rt *Runtime) workerNames() []string {
	names := []string{"kaitd", "pipeline"}
	if !rt.cfg.Lite {
		names = append(names, "advisory", "feedback", "promotion")
	}
	return names
}

// statusSnapshot backs GET /status.
func (rt *Runtime) statusSnapshot() ingest.Status {
	components := map[string]ingest.ComponentStatus{
		"kaitd":    {Status: "ok"},
		"bridge":   {Status: "ok"},
		"advisory": {Status: "ok"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if rt.Cognitive.Degraded(ctx) {
		components["advisory"] = ingest.ComponentStatus{Status: "degraded"}
	}

	age := rt.Pipeline.LastCycleAge()
	ageS := -1.0
	if age >= 0 {
		ageS = age.Seconds()
	}
	return ingest.Status{
		QueueDepth:    rt.Queue.Depth(),
		LastCycleAgeS: ageS,
		Components:    components,
	}
}

// adviseEvent adapts a pre_tool event into an advisory request.
func (rt *Runtime) adviseEvent(ctx context.Context, e *types.Event) []types.AdviceItem {
	if rt.cfg.Lite {
		return nil
	}
	return rt.Advisory.Advise(ctx, &advisory.Request{
		SessionID: e.SessionID,
		Tool:      e.Tool,
		ToolArgs:  e.ArgsMap(),
		Context:   e.Text,
	})
}

// maintenanceLoop rebuilds advisory packets and sweeps suppression state.
func (rt *Runtime) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.Advisory.Sweep()
			if err := rt.rebuildPackets(ctx); err != nil {
				logging.AdvisoryWarn("rebuild packets: %v", err)
			}
		}
	}
}

func (rt *Runtime) rebuildPackets(ctx context.Context) error {
	rebuildCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return rt.Advisory.RebuildPackets(rebuildCtx, rt.Cognitive, rt.Eidos, rt.cfg.Advisory.PerSourceK)
}

// GuidancePath reports where a guidance file lives, for the status command.
func (rt *Runtime) GuidancePath(name string) string {
	dir := rt.cfg.Promotion.GuidanceDir
	if dir == "" {
		dir = rt.cfg.DataRoot
	}
	return filepath.Join(dir, name)
}
