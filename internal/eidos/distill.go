package eidos

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"kait/internal/bus"
	"kait/internal/logging"
	"kait/internal/types"
)

// Distillation types.
const (
	TypeHeuristic   = "heuristic"
	TypePolicy      = "policy"
	TypeSharpEdge   = "sharp_edge"
	TypeAntiPattern = "anti_pattern"
)

// Distillation is an EIDOS-derived rule over multiple steps.
type Distillation struct {
	DistillationID     string   `json:"distillation_id"`
	Type               string   `json:"type"`
	Statement          string   `json:"statement"`
	Confidence         float64  `json:"confidence"`
	ValidationCount    int      `json:"validation_count"`
	ContradictionCount int      `json:"contradiction_count"`
	TimesRetrieved     int      `json:"times_retrieved"`
	TimesUsed          int      `json:"times_used"`
	TimesHelped        int      `json:"times_helped"`
	SourceStepIDs      []string `json:"source_step_ids"`
	Domains            []string `json:"domains"`
	Triggers           []string `json:"triggers"`
	CreatedAt          int64    `json:"created_at"`
	LastValidatedAt    int64    `json:"last_validated_at"`
}

// ConfidenceModel computes a distillation's confidence from its cluster
// evidence. The heuristic and sharp-edge formulas diverge in the source
// system, so each type binds its own strategy.
type ConfidenceModel interface {
	Confidence(supporting, refuting int) float64
}

// heuristicModel rewards repeated success: 5 supporting steps reach 0.75,
// capped at 0.95.
type heuristicModel struct{}

func (heuristicModel) Confidence(supporting, refuting int) float64 {
	conf := 0.5 + 0.05*float64(supporting) - 0.1*float64(refuting)
	return clamp(conf, 0, 0.95)
}

// sharpEdgeModel treats a failure as a strong single-shot signal.
type sharpEdgeModel struct{}

func (sharpEdgeModel) Confidence(supporting, refuting int) float64 {
	conf := 0.6 + 0.1*float64(supporting)
	return clamp(conf, 0, 0.9)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

var confidenceModels = map[string]ConfidenceModel{
	TypeHeuristic:   heuristicModel{},
	TypePolicy:      heuristicModel{},
	TypeSharpEdge:   sharpEdgeModel{},
	TypeAntiPattern: sharpEdgeModel{},
}

// distillationKey gives re-aggregation a stable id so repeated runs upsert
// instead of duplicating.
func distillationKey(dtype, tool, template string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", dtype, tool, template)
	return fmt.Sprintf("d%015x", h.Sum64())
}

// decisionTemplate strips the argument head from a decision, leaving the
// repeatable shape used for clustering.
func decisionTemplate(decision, tool string) string {
	if tool != "" {
		return "tool_call " + tool
	}
	fields := strings.Fields(decision)
	if len(fields) == 0 {
		return "tool_call"
	}
	return "tool_call " + fields[0]
}

type cluster struct {
	tool     string
	template string
	passed   []Step
	failed   []Step
}

// Aggregate distills one closed episode. Episodes below the minimum step
// count are skipped. Errors inside a single cluster skip that cluster; they
// never corrupt the store.
func (s *Store) Aggregate(episodeID string) ([]Distillation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stepCount int
	var outcome string
	err := s.db.QueryRow(
		`SELECT step_count, outcome FROM episodes WHERE episode_id = ?`, episodeID).
		Scan(&stepCount, &outcome)
	if err != nil {
		return nil, fmt.Errorf("load episode for aggregation: %v: %w", err, types.ErrTransient)
	}
	if stepCount < s.cfg.MinSteps || outcome == OutcomeActive {
		return nil, nil
	}

	steps, err := s.stepsForEpisodeLocked(episodeID)
	if err != nil {
		return nil, err
	}

	clusters := make(map[string]*cluster)
	for _, st := range steps {
		if st.Evaluation == EvalOpen {
			continue
		}
		template := decisionTemplate(st.Decision, st.Tool)
		key := st.Tool + "|" + template
		c, ok := clusters[key]
		if !ok {
			c = &cluster{tool: st.Tool, template: template}
			clusters[key] = c
		}
		switch st.Evaluation {
		case EvalPassed:
			c.passed = append(c.passed, st)
		case EvalFailed:
			c.failed = append(c.failed, st)
		}
	}

	keys := make([]string, 0, len(clusters))
	for k := range clusters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var created []Distillation
	now := s.now()
	for _, k := range keys {
		c := clusters[k]
		d, ok := s.distillCluster(c, now)
		if !ok {
			continue
		}
		if err := s.upsertDistillation(d); err != nil {
			logging.EidosDebug("skipping cluster %s: %v", k, err)
			continue
		}
		created = append(created, *d)
		s.bus.DistillationCreated.Publish(bus.DistillationCreated{
			ID:         d.DistillationID,
			Type:       d.Type,
			Statement:  d.Statement,
			Confidence: d.Confidence,
		})
	}
	if len(created) > 0 {
		logging.Eidos("aggregated episode %s into %d distillations", episodeID, len(created))
	}
	return created, nil
}

// distillCluster emits a heuristic for clusters with enough supporting
// steps, or a sharp_edge / anti_pattern from failures.
func (s *Store) distillCluster(c *cluster, now time.Time) (*Distillation, bool) {
	stepIDs := func(steps []Step) []string {
		ids := make([]string, len(steps))
		for i, st := range steps {
			ids[i] = st.StepID
		}
		return ids
	}
	triggers := []string{strings.ToLower(c.tool), c.template}

	switch {
	case len(c.passed) >= s.cfg.ValidateMin && len(c.failed) == 0:
		model := confidenceModels[TypeHeuristic]
		return &Distillation{
			DistillationID: distillationKey(TypeHeuristic, c.tool, c.template),
			Type:           TypeHeuristic,
			Statement: fmt.Sprintf("%s reliably succeeds for %s (%d/%d steps passed)",
				c.tool, c.template, len(c.passed), len(c.passed)+len(c.failed)),
			Confidence:      model.Confidence(len(c.passed), len(c.failed)),
			ValidationCount: len(c.passed),
			SourceStepIDs:   stepIDs(c.passed),
			Domains:         []string{strings.ToLower(c.tool)},
			Triggers:        triggers,
			CreatedAt:       now.UnixNano(),
			LastValidatedAt: now.UnixNano(),
		}, true

	case len(c.failed) >= 2:
		model := confidenceModels[TypeAntiPattern]
		return &Distillation{
			DistillationID: distillationKey(TypeAntiPattern, c.tool, c.template),
			Type:           TypeAntiPattern,
			Statement: fmt.Sprintf("%s repeatedly fails for %s (%d failures); change approach instead of retrying",
				c.tool, c.template, len(c.failed)),
			Confidence:         model.Confidence(len(c.failed), len(c.passed)),
			ContradictionCount: len(c.failed),
			SourceStepIDs:      stepIDs(c.failed),
			Domains:            []string{strings.ToLower(c.tool)},
			Triggers:           triggers,
			CreatedAt:          now.UnixNano(),
			LastValidatedAt:    now.UnixNano(),
		}, true

	case len(c.failed) == 1 && len(c.passed) == 0:
		model := confidenceModels[TypeSharpEdge]
		return &Distillation{
			DistillationID: distillationKey(TypeSharpEdge, c.tool, c.template),
			Type:           TypeSharpEdge,
			Statement: fmt.Sprintf("%s failed for %s; verify preconditions before this call",
				c.tool, c.template),
			Confidence:         model.Confidence(1, 0),
			ContradictionCount: 1,
			SourceStepIDs:      stepIDs(c.failed),
			Domains:            []string{strings.ToLower(c.tool)},
			Triggers:           triggers,
			CreatedAt:          now.UnixNano(),
			LastValidatedAt:    now.UnixNano(),
		}, true
	}
	return nil, false
}

func (s *Store) upsertDistillation(d *Distillation) error {
	stepIDs, _ := json.Marshal(d.SourceStepIDs)
	domains, _ := json.Marshal(d.Domains)
	triggers, _ := json.Marshal(d.Triggers)
	_, err := s.db.Exec(`
		INSERT INTO distillations(
			distillation_id, type, statement, confidence, validation_count,
			contradiction_count, source_step_ids, domains, triggers, created_at, last_validated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(distillation_id) DO UPDATE SET
			statement = excluded.statement,
			confidence = MAX(confidence, excluded.confidence),
			validation_count = validation_count + excluded.validation_count,
			contradiction_count = contradiction_count + excluded.contradiction_count,
			source_step_ids = excluded.source_step_ids,
			last_validated_at = excluded.last_validated_at`,
		d.DistillationID, d.Type, d.Statement, d.Confidence, d.ValidationCount,
		d.ContradictionCount, string(stepIDs), string(domains), string(triggers),
		d.CreatedAt, d.LastValidatedAt)
	if err != nil {
		return fmt.Errorf("upsert distillation: %v: %w", err, types.ErrTransient)
	}
	return nil
}

// RetrieveByTriggers returns distillations whose triggers match the tool or
// decision text, ranked by decayed confidence. Retrieval bumps
// times_retrieved.
func (s *Store) RetrieveByTriggers(tool, decision string, k int) ([]Distillation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT distillation_id, type, statement, confidence, validation_count,
		       contradiction_count, times_retrieved, times_used, times_helped,
		       source_step_ids, domains, triggers, created_at, last_validated_at
		FROM distillations ORDER BY confidence DESC LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("query distillations: %v: %w", err, types.ErrTransient)
	}
	defer rows.Close()

	toolLower := strings.ToLower(tool)
	decisionLower := strings.ToLower(decision)
	now := s.now()

	var matched []Distillation
	for rows.Next() {
		var d Distillation
		var stepIDs, domains, triggers string
		if err := rows.Scan(&d.DistillationID, &d.Type, &d.Statement, &d.Confidence,
			&d.ValidationCount, &d.ContradictionCount, &d.TimesRetrieved, &d.TimesUsed,
			&d.TimesHelped, &stepIDs, &domains, &triggers, &d.CreatedAt, &d.LastValidatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(stepIDs), &d.SourceStepIDs)
		json.Unmarshal([]byte(domains), &d.Domains)
		json.Unmarshal([]byte(triggers), &d.Triggers)

		if !triggerMatch(d.Triggers, toolLower, decisionLower) {
			continue
		}
		d.Confidence = decayedConfidence(&d, now, s.cfg.DecayHalflife)
		matched = append(matched, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Confidence > matched[j].Confidence })
	if len(matched) > k {
		matched = matched[:k]
	}
	for _, d := range matched {
		if _, err := s.db.Exec(
			`UPDATE distillations SET times_retrieved = times_retrieved + 1 WHERE distillation_id = ?`,
			d.DistillationID); err != nil {
			logging.EidosDebug("bump times_retrieved failed: %v", err)
		}
	}
	return matched, nil
}

func triggerMatch(triggers []string, toolLower, decisionLower string) bool {
	for _, trig := range triggers {
		t := strings.ToLower(trig)
		if t == "" {
			continue
		}
		if t == toolLower || strings.Contains(t, toolLower) && toolLower != "" {
			return true
		}
		if decisionLower != "" && strings.Contains(decisionLower, t) {
			return true
		}
	}
	return false
}

// decayedConfidence erodes confidence by half-life since last validation.
func decayedConfidence(d *Distillation, now time.Time, halflife time.Duration) float64 {
	last := d.LastValidatedAt
	if last == 0 {
		last = d.CreatedAt
	}
	age := now.Sub(time.Unix(0, last))
	if age <= 0 || halflife <= 0 {
		return d.Confidence
	}
	return d.Confidence * math.Pow(0.5, age.Seconds()/halflife.Seconds())
}

// MarkUsed records that an advice item built from this distillation was
// emitted; helped additionally bumps validation when the next call passed.
func (s *Store) MarkUsed(distillationID string, helped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if helped {
		_, err := s.db.Exec(`
			UPDATE distillations
			SET times_used = times_used + 1, times_helped = times_helped + 1,
			    validation_count = validation_count + 1, last_validated_at = ?
			WHERE distillation_id = ?`, s.now().UnixNano(), distillationID)
		return err
	}
	_, err := s.db.Exec(`
		UPDATE distillations
		SET times_used = times_used + 1, contradiction_count = contradiction_count + 1
		WHERE distillation_id = ?`, distillationID)
	return err
}

// Distillations returns all distillations, newest first. Mainly for tests
// and the status surface.
func (s *Store) Distillations() ([]Distillation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT distillation_id, type, statement, confidence, validation_count,
		       contradiction_count, times_retrieved, times_used, times_helped,
		       source_step_ids, domains, triggers, created_at, last_validated_at
		FROM distillations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Distillation
	for rows.Next() {
		var d Distillation
		var stepIDs, domains, triggers string
		if err := rows.Scan(&d.DistillationID, &d.Type, &d.Statement, &d.Confidence,
			&d.ValidationCount, &d.ContradictionCount, &d.TimesRetrieved, &d.TimesUsed,
			&d.TimesHelped, &stepIDs, &domains, &triggers, &d.CreatedAt, &d.LastValidatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(stepIDs), &d.SourceStepIDs)
		json.Unmarshal([]byte(domains), &d.Domains)
		json.Unmarshal([]byte(triggers), &d.Triggers)
		out = append(out, d)
	}
	return out, rows.Err()
}
