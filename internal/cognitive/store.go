package cognitive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"kait/internal/bus"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/types"
)

// Store is the single-writer insight store. All mutations funnel through the
// writer goroutine; readers call Snapshot/Get which copy under a short
// critical section inside the writer via request channels.
type Store struct {
	cfg  config.CognitiveConfig
	path string
	bus  *bus.Bus

	cmds chan command
	done chan struct{}

	breaker *gobreaker.CircuitBreaker

	now func() time.Time
}

type command struct {
	apply func(*storeState)
	reply chan error
}

// storeState is owned exclusively by the writer goroutine.
type storeState struct {
	insights map[string]*Insight
	degraded bool
	dirty    bool
}

// UpsertRequest carries a new candidate insight into the store.
type UpsertRequest struct {
	Category  Category
	Statement string
	Source    string
	Domains   []string
	Tools     []string
	EventID   string
}

// New opens the store, loading cognitive_insights.json if present.
func New(path string, cfg config.CognitiveConfig, b *bus.Bus) (*Store, error) {
	s := &Store{
		cfg:  cfg,
		path: path,
		bus:  b,
		cmds: make(chan command, 256),
		done: make(chan struct{}),
		now:  time.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cognitive-persist",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Cognitive("persist breaker %s: %s -> %s", name, from, to)
			},
		}),
	}

	insights, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	st := &storeState{insights: insights}
	go s.run(st)
	logging.Cognitive("cognitive store opened with %d insights", len(insights))
	return s, nil
}

// run is the writer goroutine: it applies commands in order and persists
// after each mutation. A failed persist is retried once; a second failure
// marks the store degraded (reads continue, writes are still applied in
// memory but durability is suspended until the breaker closes).
func (s *Store) run(st *storeState) {
	for cmd := range s.cmds {
		cmd.apply(st)
		if st.dirty {
			s.persist(st)
		}
		if cmd.reply != nil {
			cmd.reply <- nil
		}
	}
	if st.dirty {
		s.persist(st)
	}
	close(s.done)
}

func (s *Store) persist(st *storeState) {
	_, err := s.breaker.Execute(func() (any, error) {
		if err := saveSnapshot(s.path, st.insights); err != nil {
			// single local retry before the breaker counts a failure
			if err2 := saveSnapshot(s.path, st.insights); err2 != nil {
				return nil, err2
			}
		}
		return nil, nil
	})
	if err != nil {
		if !st.degraded {
			logging.StoreError("cognitive store degraded, persist failing: %v", err)
		}
		st.degraded = true
		return
	}
	st.degraded = false
	st.dirty = false
}

func (s *Store) exec(ctx context.Context, apply func(*storeState)) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{apply: apply, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("cognitive store closed: %w", types.ErrTransient)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Upsert inserts a new insight or merges evidence into an existing one. The
// merge never lowers reliability arbitrarily: counters are monotone and
// reliability is only ever recomputed from them.
func (s *Store) Upsert(ctx context.Context, req UpsertRequest) (string, error) {
	statement := strings.TrimSpace(req.Statement)
	if statement == "" || !req.Category.Valid() {
		return "", fmt.Errorf("upsert needs category and statement: %w", types.ErrBadInput)
	}
	statement = truncateRunes(statement, s.cfg.MaxStatementChars)
	key := KeyFor(req.Category, statement)

	var created bool
	var reliability float64
	err := s.exec(ctx, func(st *storeState) {
		in, ok := st.insights[key]
		if !ok {
			created = true
			now := s.now().UTC()
			in = &Insight{
				Key:       key,
				Category:  req.Category,
				Statement: statement,
				Source:    req.Source,
				Domains:   append([]string(nil), req.Domains...),
				Tools:     append([]string(nil), req.Tools...),
				CreatedAt: now,
			}
			st.insights[key] = in
		} else {
			in.Domains = mergeStrings(in.Domains, req.Domains)
			in.Tools = mergeStrings(in.Tools, req.Tools)
		}
		// Crash replays re-run the same upsert; an event id already in the
		// evidence ring means this one was applied, so the counter stays put.
		if req.EventID != "" && ringContains(in.Evidence, req.EventID) {
			reliability = in.Reliability
			return
		}
		if req.EventID != "" {
			in.Evidence = appendRing(in.Evidence, req.EventID, s.cfg.EvidenceRing)
		}
		// The captured event is itself supporting evidence: every upsert
		// counts as a validation, so a fresh insight starts retrievable.
		in.Validations++
		in.LastValidatedAt = s.now().UTC()
		in.recomputeReliability()
		in.recomputeReadiness(s.now().UTC(), s.cfg.ReliabilityHalflife)
		reliability = in.Reliability
		st.dirty = true
	})
	if err != nil {
		return "", err
	}
	s.bus.InsightUpserted.Publish(bus.InsightUpserted{
		Key:         key,
		Category:    string(req.Category),
		Statement:   statement,
		Reliability: reliability,
		New:         created,
	})
	return key, nil
}

// Validate increments validations for key and recomputes reliability.
func (s *Store) Validate(ctx context.Context, key, eventID string) error {
	return s.exec(ctx, func(st *storeState) {
		in, ok := st.insights[key]
		if !ok {
			return
		}
		if eventID != "" && ringContains(in.Evidence, eventID) {
			return
		}
		in.Validations++
		in.Evidence = appendRing(in.Evidence, eventID, s.cfg.EvidenceRing)
		in.LastValidatedAt = s.now().UTC()
		in.recomputeReliability()
		in.recomputeReadiness(s.now().UTC(), s.cfg.ReliabilityHalflife)
		st.dirty = true
	})
}

// Contradict increments contradictions for key and recomputes reliability.
func (s *Store) Contradict(ctx context.Context, key, eventID string) error {
	return s.exec(ctx, func(st *storeState) {
		in, ok := st.insights[key]
		if !ok {
			return
		}
		if eventID != "" && ringContains(in.CounterExamples, eventID) {
			return
		}
		in.Contradictions++
		in.CounterExamples = appendRing(in.CounterExamples, eventID, s.cfg.EvidenceRing)
		in.recomputeReliability()
		in.recomputeReadiness(s.now().UTC(), s.cfg.ReliabilityHalflife)
		st.dirty = true
	})
}

// MarkPromoted records that the insight line was written to file.
func (s *Store) MarkPromoted(ctx context.Context, key, file string) error {
	return s.exec(ctx, func(st *storeState) {
		in, ok := st.insights[key]
		if !ok {
			return
		}
		in.Promoted = true
		in.PromotedTo = file
		st.dirty = true
	})
}

// Demote clears the promoted flag. The guidance line is removed on the next
// promotion pass.
func (s *Store) Demote(ctx context.Context, key, reason string) error {
	return s.exec(ctx, func(st *storeState) {
		in, ok := st.insights[key]
		if !ok {
			return
		}
		in.Promoted = false
		in.PromotedTo = ""
		logging.Cognitive("demoted insight %s: %s", key, reason)
		st.dirty = true
	})
}

// Get returns a copy of one insight.
func (s *Store) Get(ctx context.Context, key string) (*Insight, bool) {
	var out *Insight
	err := s.exec(ctx, func(st *storeState) {
		if in, ok := st.insights[key]; ok {
			out = in.clone()
		}
	})
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// Snapshot returns copies of all insights, sorted by key.
func (s *Store) Snapshot(ctx context.Context) []*Insight {
	var out []*Insight
	_ = s.exec(ctx, func(st *storeState) {
		out = make([]*Insight, 0, len(st.insights))
		for _, in := range st.insights {
			out = append(out, in.clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Degraded reports whether persistence is currently failing.
func (s *Store) Degraded(ctx context.Context) bool {
	var d bool
	_ = s.exec(ctx, func(st *storeState) { d = st.degraded })
	return d
}

// Close drains the command channel and flushes a final snapshot.
func (s *Store) Close() {
	close(s.cmds)
	<-s.done
}

func ringContains(ring []string, id string) bool {
	for _, v := range ring {
		if v == id {
			return true
		}
	}
	return false
}

// truncateRunes cuts s to at most max runes without splitting a multibyte
// character.
func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func mergeStrings(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range incoming {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			existing = append(existing, v)
			seen[v] = struct{}{}
		}
	}
	return existing
}
