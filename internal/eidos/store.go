// Package eidos implements the episodic predict-evaluate store: episodes,
// steps, and distillations persisted in SQLite, plus the aggregator that
// distills closed episodes into retrievable rules.
package eidos

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kait/internal/bus"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/types"
)

const schemaVersion = 1

// Store owns eidos.db. All writes are serialized through the store mutex;
// SQLite is opened with a single connection and WAL journaling, matching the
// rest of the kait persistence layer.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	cfg config.EidosConfig
	bus *bus.Bus

	// sessions tracks the active episode and open step per session.
	sessions map[string]*sessionState

	now func() time.Time
}

type sessionState struct {
	sessionID  string
	episodeID  string
	openStepID string
	openedAt   time.Time
	lastSeen   time.Time
}

// Open initializes eidos.db at path, creating or validating the schema.
// A schema version beyond what this build supports is fatal.
func Open(path string, cfg config.EidosConfig, b *bus.Bus) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "eidos.Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create eidos dir: %v: %w", err, types.ErrFatal)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open eidos db: %v: %w", err, types.ErrFatal)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		bus:      b,
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.restoreSessions(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Eidos("eidos store opened at %s, %d active sessions restored", path, len(s.sessions))
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS episodes (
		episode_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		goal TEXT DEFAULT '',
		phase TEXT NOT NULL DEFAULT 'explore',
		outcome TEXT NOT NULL DEFAULT 'active',
		started_ns INTEGER NOT NULL,
		ended_ns INTEGER DEFAULT 0,
		step_count INTEGER DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS steps (
		step_id TEXT PRIMARY KEY,
		episode_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		decision TEXT DEFAULT '',
		action_kind TEXT NOT NULL DEFAULT 'tool_call',
		tool TEXT DEFAULT '',
		prediction TEXT DEFAULT '',
		outcome TEXT DEFAULT '',
		evaluation TEXT NOT NULL DEFAULT '?',
		opened_ns INTEGER NOT NULL,
		sealed_ns INTEGER DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS distillations (
		distillation_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		statement TEXT NOT NULL,
		confidence REAL DEFAULT 0.5,
		validation_count INTEGER DEFAULT 0,
		contradiction_count INTEGER DEFAULT 0,
		times_retrieved INTEGER DEFAULT 0,
		times_used INTEGER DEFAULT 0,
		times_helped INTEGER DEFAULT 0,
		source_step_ids TEXT DEFAULT '[]',
		domains TEXT DEFAULT '[]',
		triggers TEXT DEFAULT '[]',
		created_at INTEGER NOT NULL,
		last_validated_at INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id, outcome);
	CREATE INDEX IF NOT EXISTS idx_steps_episode ON steps(episode_id);
	CREATE INDEX IF NOT EXISTS idx_steps_session_eval ON steps(session_id, evaluation);
	CREATE INDEX IF NOT EXISTS idx_distillations_type ON distillations(type);
	CREATE INDEX IF NOT EXISTS idx_distillations_confidence ON distillations(confidence DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init eidos schema: %v: %w", err, types.ErrFatal)
	}

	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)`,
			strconv.Itoa(schemaVersion)); err != nil {
			return fmt.Errorf("write eidos schema version: %v: %w", err, types.ErrFatal)
		}
	case err != nil:
		return fmt.Errorf("read eidos schema version: %v: %w", err, types.ErrFatal)
	default:
		v, _ := strconv.Atoi(raw)
		if v > schemaVersion {
			return fmt.Errorf("eidos schema version %d beyond supported %d: %w",
				v, schemaVersion, types.ErrFatal)
		}
	}
	return nil
}

// restoreSessions rebuilds the per-session active pointers from rows left
// active by a previous run.
func (s *Store) restoreSessions() error {
	rows, err := s.db.Query(`SELECT episode_id, session_id, started_ns FROM episodes WHERE outcome = 'active'`)
	if err != nil {
		return fmt.Errorf("restore active episodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var episodeID, sessionID string
		var startedNS int64
		if err := rows.Scan(&episodeID, &sessionID, &startedNS); err != nil {
			return err
		}
		s.sessions[sessionID] = &sessionState{
			sessionID: sessionID,
			episodeID: episodeID,
			lastSeen:  time.Unix(0, startedNS),
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	stepRows, err := s.db.Query(`SELECT step_id, session_id, opened_ns FROM steps WHERE evaluation = '?'`)
	if err != nil {
		return fmt.Errorf("restore open steps: %w", err)
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var stepID, sessionID string
		var openedNS int64
		if err := stepRows.Scan(&stepID, &sessionID, &openedNS); err != nil {
			return err
		}
		if sess, ok := s.sessions[sessionID]; ok {
			sess.openStepID = stepID
			sess.openedAt = time.Unix(0, openedNS)
		}
	}
	return stepRows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
