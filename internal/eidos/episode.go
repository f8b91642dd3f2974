package eidos

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kait/internal/bus"
	"kait/internal/logging"
	"kait/internal/types"
)

// Episode phases and outcomes.
const (
	PhaseExplore     = "explore"
	PhaseExecute     = "execute"
	PhaseConsolidate = "consolidate"

	OutcomeActive    = "active"
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeAbandoned = "abandoned"
)

// Step evaluations.
const (
	EvalOpen   = "?"
	EvalPassed = "passed"
	EvalFailed = "failed"
)

// Episode is a session-scoped container of ordered steps.
type Episode struct {
	EpisodeID string `json:"episode_id"`
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
	Phase     string `json:"phase"`
	Outcome   string `json:"outcome"`
	StartedNS int64  `json:"started_ns"`
	EndedNS   int64  `json:"ended_ns"`
	StepCount int    `json:"step_count"`
}

// Step is one predict-act-evaluate triple within an episode.
type Step struct {
	StepID     string `json:"step_id"`
	EpisodeID  string `json:"episode_id"`
	SessionID  string `json:"session_id"`
	Decision   string `json:"decision"`
	ActionKind string `json:"action_kind"`
	Tool       string `json:"tool"`
	Prediction string `json:"prediction"`
	Outcome    string `json:"outcome"`
	Evaluation string `json:"evaluation"`
	OpenedNS   int64  `json:"opened_ns"`
	SealedNS   int64  `json:"sealed_ns"`
}

// HandleEvent applies one event to the episodic state machine. The caller
// (the pipeline sink) drives all sessions through one goroutine, so per-
// session step transitions are naturally serialized; the store mutex guards
// against concurrent sweeps.
func (s *Store) HandleEvent(e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch e.Kind {
	case types.KindUserPrompt:
		sess, err := s.ensureEpisode(e, now)
		if err != nil {
			return err
		}
		// A step left open past the timeout is force-sealed as abandoned.
		if sess.openStepID != "" && now.Sub(sess.openedAt) > s.cfg.StepTimeout {
			if err := s.sealStep(sess, OutcomeAbandoned, EvalFailed, now); err != nil {
				return err
			}
		}
		sess.lastSeen = now
		return nil

	case types.KindPreTool:
		sess, err := s.ensureEpisode(e, now)
		if err != nil {
			return err
		}
		if sess.openStepID != "" {
			// Only one step may be open per session; the previous one never
			// got its observation, so it is abandoned.
			if err := s.sealStep(sess, OutcomeAbandoned, EvalFailed, now); err != nil {
				return err
			}
		}
		sess.lastSeen = now
		return s.openStep(sess, e, now)

	case types.KindPostTool:
		outcome := OutcomeSuccess
		eval := EvalPassed
		if e.Success != nil && !*e.Success {
			outcome = OutcomeFailure
			eval = EvalFailed
		}
		return s.observe(e.SessionID, outcome, eval, now)

	case types.KindPostToolFailure:
		return s.observe(e.SessionID, OutcomeFailure, EvalFailed, now)
	}
	return nil
}

// ensureEpisode returns the session's active episode, starting one when the
// session has none.
func (s *Store) ensureEpisode(e *types.Event, now time.Time) (*sessionState, error) {
	if sess, ok := s.sessions[e.SessionID]; ok {
		return sess, nil
	}
	episodeID := uuid.NewString()
	goal := deriveGoal(e)
	_, err := s.db.Exec(
		`INSERT INTO episodes(episode_id, session_id, goal, phase, outcome, started_ns)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		episodeID, e.SessionID, goal, PhaseExplore, OutcomeActive, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert episode: %v: %w", err, types.ErrTransient)
	}
	sess := &sessionState{sessionID: e.SessionID, episodeID: episodeID, lastSeen: now}
	s.sessions[e.SessionID] = sess
	logging.Eidos("episode %s started for session %s goal=%q", episodeID, e.SessionID, goal)
	return sess, nil
}

// deriveGoal extracts the episode goal from the first user prompt; tool
// events yield a tool-shaped placeholder until a prompt arrives.
func deriveGoal(e *types.Event) string {
	if e.Kind == types.KindUserPrompt && e.Text != "" {
		return truncateRunes(strings.TrimSpace(e.Text), 200)
	}
	if e.Tool != "" {
		return "work with " + e.Tool
	}
	return ""
}

func (s *Store) openStep(sess *sessionState, e *types.Event, now time.Time) error {
	stepID := uuid.NewString()
	decision := decisionFor(e)
	prediction := predictionFor(e)
	_, err := s.db.Exec(
		`INSERT INTO steps(step_id, episode_id, session_id, decision, action_kind, tool, prediction, opened_ns)
		 VALUES(?, ?, ?, ?, 'tool_call', ?, ?, ?)`,
		stepID, sess.episodeID, e.SessionID, decision, e.Tool, prediction, now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert step: %v: %w", err, types.ErrTransient)
	}
	// First tool call moves the episode from explore to execute.
	if _, err := s.db.Exec(
		`UPDATE episodes SET phase = ? WHERE episode_id = ? AND phase = ?`,
		PhaseExecute, sess.episodeID, PhaseExplore); err != nil {
		return fmt.Errorf("advance episode phase: %v: %w", err, types.ErrTransient)
	}
	sess.openStepID = stepID
	sess.openedAt = now
	logging.EidosDebug("step %s opened: %s", stepID, decision)
	return nil
}

// decisionFor summarizes what the agent chose to do: the tool plus the head
// of its arguments.
func decisionFor(e *types.Event) string {
	head := argHead(e)
	if head == "" {
		return e.Tool
	}
	return e.Tool + " " + head
}

// argHead extracts the most identifying argument value, truncated.
func argHead(e *types.Event) string {
	args := e.ArgsMap()
	for _, key := range []string{"command", "path", "file_path", "pattern", "query", "url"} {
		if v, ok := args[key].(string); ok && v != "" {
			return truncateRunes(v, 80)
		}
	}
	return ""
}

// truncateRunes cuts s to at most max runes, never splitting a multibyte
// character.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// predictionFor is the seed success-probability estimate attached at
// pre_tool time. Without a model this is a fixed prior; the evaluation fills
// in the real outcome.
func predictionFor(e *types.Event) string {
	return fmt.Sprintf("expect %s to succeed", e.Tool)
}

// observe seals the session's open step with the observed outcome. An
// observation with no open step is dropped: the step may have been timed out
// already, and re-processing after a crash must stay idempotent.
func (s *Store) observe(sessionID, outcome, eval string, now time.Time) error {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.openStepID == "" {
		return nil
	}
	sess.lastSeen = now
	return s.sealStep(sess, outcome, eval, now)
}

func (s *Store) sealStep(sess *sessionState, outcome, eval string, now time.Time) error {
	stepID := sess.openStepID
	res, err := s.db.Exec(
		`UPDATE steps SET outcome = ?, evaluation = ?, sealed_ns = ? WHERE step_id = ? AND evaluation = '?'`,
		outcome, eval, now.UnixNano(), stepID)
	if err != nil {
		return fmt.Errorf("seal step: %v: %w", err, types.ErrTransient)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess.openStepID = ""
		return nil // already sealed; idempotent under replay
	}
	if _, err := s.db.Exec(
		`UPDATE episodes SET step_count = step_count + 1 WHERE episode_id = ?`,
		sess.episodeID); err != nil {
		return fmt.Errorf("bump step count: %v: %w", err, types.ErrTransient)
	}

	var tool, decision string
	_ = s.db.QueryRow(`SELECT tool, decision FROM steps WHERE step_id = ?`, stepID).Scan(&tool, &decision)

	sess.openStepID = ""
	logging.EidosDebug("step %s sealed: %s/%s", stepID, outcome, eval)
	s.bus.StepSealed.Publish(bus.StepSealed{
		SessionID: sess.sessionID,
		EpisodeID: sess.episodeID,
		StepID:    stepID,
		Tool:      tool,
		Decision:  decision,
		Outcome:   outcome,
	})
	return nil
}

// SweepSessions closes episodes idle past the session timeout and force-
// seals stale open steps. Closed episodes with enough steps feed the
// aggregator. Returns the ids of episodes closed this sweep.
func (s *Store) SweepSessions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var closed []string
	for sessionID, sess := range s.sessions {
		if sess.openStepID != "" && now.Sub(sess.openedAt) > s.cfg.StepTimeout {
			if err := s.sealStep(sess, OutcomeAbandoned, EvalFailed, now); err != nil {
				logging.EidosDebug("force-seal failed for session %s: %v", sessionID, err)
			}
		}
		if now.Sub(sess.lastSeen) < s.cfg.SessionTimeout {
			continue
		}
		if err := s.closeEpisode(sess, now); err != nil {
			logging.EidosDebug("close episode failed for session %s: %v", sessionID, err)
			continue
		}
		closed = append(closed, sess.episodeID)
		delete(s.sessions, sessionID)
	}
	return closed, nil
}

// CloseSession immediately closes the session's episode, regardless of idle
// time. Used by tests and explicit session-end events.
func (s *Store) CloseSession(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", nil
	}
	now := s.now()
	if sess.openStepID != "" {
		if err := s.sealStep(sess, OutcomeAbandoned, EvalFailed, now); err != nil {
			return "", err
		}
	}
	if err := s.closeEpisode(sess, now); err != nil {
		return "", err
	}
	delete(s.sessions, sessionID)
	return sess.episodeID, nil
}

// closeEpisode transitions active -> consolidating -> closed with an outcome
// derived from the sealed step record.
func (s *Store) closeEpisode(sess *sessionState, now time.Time) error {
	var passed, failed int
	err := s.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN evaluation = 'passed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN evaluation = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM steps WHERE episode_id = ?`, sess.episodeID).Scan(&passed, &failed)
	if err != nil {
		return fmt.Errorf("tally episode steps: %v: %w", err, types.ErrTransient)
	}

	outcome := OutcomeAbandoned
	switch {
	case passed == 0 && failed == 0:
		outcome = OutcomeAbandoned
	case failed > passed:
		outcome = OutcomeFailure
	default:
		outcome = OutcomeSuccess
	}

	if _, err := s.db.Exec(
		`UPDATE episodes SET phase = ?, outcome = ?, ended_ns = ? WHERE episode_id = ?`,
		PhaseConsolidate, outcome, now.UnixNano(), sess.episodeID); err != nil {
		return fmt.Errorf("close episode: %v: %w", err, types.ErrTransient)
	}
	logging.Eidos("episode %s closed: outcome=%s passed=%d failed=%d",
		sess.episodeID, outcome, passed, failed)
	return nil
}

// GetEpisode loads one episode row.
func (s *Store) GetEpisode(episodeID string) (*Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ep Episode
	err := s.db.QueryRow(
		`SELECT episode_id, session_id, goal, phase, outcome, started_ns, ended_ns, step_count
		 FROM episodes WHERE episode_id = ?`, episodeID).
		Scan(&ep.EpisodeID, &ep.SessionID, &ep.Goal, &ep.Phase, &ep.Outcome,
			&ep.StartedNS, &ep.EndedNS, &ep.StepCount)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// StepsForEpisode loads all steps linked to an episode, ordered by open time.
func (s *Store) StepsForEpisode(episodeID string) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsForEpisodeLocked(episodeID)
}

func (s *Store) stepsForEpisodeLocked(episodeID string) ([]Step, error) {
	rows, err := s.db.Query(
		`SELECT step_id, episode_id, session_id, decision, action_kind, tool, prediction, outcome, evaluation, opened_ns, sealed_ns
		 FROM steps WHERE episode_id = ? ORDER BY opened_ns`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %v: %w", err, types.ErrTransient)
	}
	defer rows.Close()
	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.StepID, &st.EpisodeID, &st.SessionID, &st.Decision,
			&st.ActionKind, &st.Tool, &st.Prediction, &st.Outcome, &st.Evaluation,
			&st.OpenedNS, &st.SealedNS); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// OpenStepCount reports open steps for a session; the invariant is <= 1.
func (s *Store) OpenStepCount(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM steps WHERE session_id = ? AND evaluation = '?'`, sessionID).Scan(&n)
	return n, err
}
