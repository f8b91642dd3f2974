// Package queue implements the append-only event queue between the ingest
// daemon and the pipeline. The primary file takes O_APPEND record writes from
// any number of producers; a single reader (the pipeline scheduler) reads
// forward from the committed offset in state.json and commits progress via
// temp-file-rename. An overflow sidecar absorbs writes when the primary is
// busy and is merged back during idle cycles.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/types"
)

const (
	primaryName  = "events.jsonl"
	rotatedName  = "events.rotated.jsonl"
	overflowName = "events.overflow.jsonl"
	stateName    = "state.json"
)

// ErrBusy is returned by Append when the primary file lock is contended.
// Callers retry with jitter, then fall through to AppendOverflow.
var ErrBusy = fmt.Errorf("queue busy: %w", types.ErrTransient)

// Cursor identifies a read position: which file and the byte offset within it.
type Cursor struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

// state is the persisted read-side state.
type state struct {
	Cursor Cursor   `json:"cursor"`
	Seen   []string `json:"seen"` // ring of recently processed event_ids
}

// Queue owns the queue directory. Append is safe for concurrent use; the
// read side (ReadBatch/Commit/MergeOverflow) must be driven by one goroutine.
type Queue struct {
	dir string
	cfg config.QueueConfig

	appendMu sync.Mutex

	stateMu sync.Mutex
	st      state
	seenSet map[string]struct{}

	depth atomic.Int64
}

// Open loads or initializes the queue under dir.
func Open(dir string, cfg config.QueueConfig) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %v: %w", err, types.ErrFatal)
	}
	q := &Queue{
		dir:     dir,
		cfg:     cfg,
		seenSet: make(map[string]struct{}),
	}
	if err := q.loadState(); err != nil {
		return nil, err
	}
	q.depth.Store(q.scanDepth())
	logging.Queue("queue opened at %s, depth=%d, cursor=%s:%d",
		dir, q.depth.Load(), q.st.Cursor.File, q.st.Cursor.Offset)
	return q, nil
}

func (q *Queue) path(name string) string { return filepath.Join(q.dir, name) }

func (q *Queue) loadState() error {
	data, err := os.ReadFile(q.path(stateName))
	if err != nil {
		if os.IsNotExist(err) {
			q.st = state{Cursor: Cursor{File: primaryName}}
			return nil
		}
		return fmt.Errorf("read queue state: %w", err)
	}
	if err := json.Unmarshal(data, &q.st); err != nil {
		// Corrupt state is an invariant violation: quarantine and restart
		// from the beginning of the primary. Events re-process idempotently.
		logging.QueueError("corrupt queue state, resetting: %v", err)
		q.st = state{Cursor: Cursor{File: primaryName}}
	}
	if q.st.Cursor.File == "" {
		q.st.Cursor.File = primaryName
	}
	for _, id := range q.st.Seen {
		q.seenSet[id] = struct{}{}
	}
	return nil
}

// Append writes one entry to the primary file at record granularity. Returns
// ErrBusy when the primary lock is contended so the caller can retry or
// overflow.
func (q *Queue) Append(entry types.QueueEntry) error {
	if !q.appendMu.TryLock() {
		return ErrBusy
	}
	defer q.appendMu.Unlock()
	if err := appendRecord(q.path(primaryName), entry); err != nil {
		return err
	}
	q.depth.Add(1)
	return nil
}

// AppendOverflow writes one entry to the overflow sidecar. Used when the
// primary stays contended after retries; the sidecar is merged back during
// idle cycles.
func (q *Queue) AppendOverflow(entry types.QueueEntry) error {
	if err := appendRecord(q.path(overflowName), entry); err != nil {
		return err
	}
	q.depth.Add(1)
	return nil
}

func appendRecord(path string, entry types.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %v: %w", err, types.ErrBadInput)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open queue file: %v: %w", err, types.ErrTransient)
	}
	defer f.Close()
	// One Write call per record keeps the append atomic at record
	// granularity on local filesystems.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append queue record: %v: %w", err, types.ErrTransient)
	}
	return nil
}

// Depth returns the approximate number of unprocessed records.
func (q *Queue) Depth() int64 {
	d := q.depth.Load()
	if d < 0 {
		return 0
	}
	return d
}

// Seen reports whether the event id was already processed and committed.
func (q *Queue) Seen(eventID string) bool {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	_, ok := q.seenSet[eventID]
	return ok
}

// ReadBatch reads up to max entries starting at the committed cursor.
// It never advances the committed state; Commit does that after the batch is
// fully processed, so a crash mid-batch re-reads the same records.
func (q *Queue) ReadBatch(max int) ([]types.QueueEntry, Cursor, error) {
	q.stateMu.Lock()
	cur := q.st.Cursor
	q.stateMu.Unlock()

	entries, next, err := q.readFrom(cur, max)
	if err != nil {
		return nil, cur, err
	}
	// If the cursor file is the rotated file and it is fully drained, switch
	// to the primary from the start.
	if next.File == rotatedName && len(entries) < max {
		if drained, _ := q.atEOF(next); drained {
			more, nextPrimary, err := q.readFrom(Cursor{File: primaryName}, max-len(entries))
			if err == nil {
				entries = append(entries, more...)
				next = nextPrimary
			}
		}
	}
	return entries, next, nil
}

func (q *Queue) readFrom(cur Cursor, max int) ([]types.QueueEntry, Cursor, error) {
	f, err := os.Open(q.path(cur.File))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cur, nil
		}
		return nil, cur, fmt.Errorf("open %s: %v: %w", cur.File, err, types.ErrTransient)
	}
	defer f.Close()

	if _, err := f.Seek(cur.Offset, 0); err != nil {
		return nil, cur, fmt.Errorf("seek %s: %v: %w", cur.File, err, types.ErrTransient)
	}

	var entries []types.QueueEntry
	offset := cur.Offset
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for len(entries) < max && scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var entry types.QueueEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Corrupt record: quarantine by skipping. The offset still
			// advances past it on commit.
			logging.QueueError("skipping corrupt queue record at %s:%d: %v", cur.File, offset, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, Cursor{File: cur.File, Offset: offset}, fmt.Errorf("scan %s: %v: %w", cur.File, err, types.ErrTransient)
	}
	return entries, Cursor{File: cur.File, Offset: offset}, nil
}

func (q *Queue) atEOF(cur Cursor) (bool, error) {
	info, err := os.Stat(q.path(cur.File))
	if err != nil {
		return true, nil
	}
	return cur.Offset >= info.Size(), err
}

// Commit persists the new cursor and the processed event ids via
// temp-file-rename. If the rotated file is fully drained it is deleted and
// the cursor moves to the primary.
func (q *Queue) Commit(cur Cursor, processed []string) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	if cur.File == rotatedName {
		if drained, _ := q.atEOF(cur); drained {
			if err := os.Remove(q.path(rotatedName)); err == nil {
				logging.Queue("rotated queue file drained and removed")
			}
			cur = Cursor{File: primaryName}
		}
	} else if cur.File == primaryName {
		// A read that chained past the rotated file commits a primary
		// cursor; the cursor only reaches the primary once the rotated file
		// is drained, so it is safe to delete here.
		if _, err := os.Stat(q.path(rotatedName)); err == nil {
			if err := os.Remove(q.path(rotatedName)); err == nil {
				logging.Queue("rotated queue file drained and removed")
			}
		}
	}

	q.st.Cursor = cur
	for _, id := range processed {
		q.seenSet[id] = struct{}{}
		q.st.Seen = append(q.st.Seen, id)
	}
	// Bound the seen ring.
	if over := len(q.st.Seen) - q.cfg.SeenCap; over > 0 {
		for _, id := range q.st.Seen[:over] {
			delete(q.seenSet, id)
		}
		q.st.Seen = append([]string(nil), q.st.Seen[over:]...)
	}

	if err := q.writeState(); err != nil {
		return err
	}
	q.depth.Add(-int64(len(processed)))
	return nil
}

func (q *Queue) writeState() error {
	data, err := json.Marshal(q.st)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	tmp := q.path(stateName + ".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue state: %v: %w", err, types.ErrTransient)
	}
	if err := os.Rename(tmp, q.path(stateName)); err != nil {
		return fmt.Errorf("commit queue state: %v: %w", err, types.ErrTransient)
	}
	return nil
}

// MaybeRotate renames the primary to the rotated file once it crosses the
// size threshold. Only valid while the cursor is on the primary; the rotated
// file is consumed to completion before the reader returns to the primary.
func (q *Queue) MaybeRotate() error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	if q.st.Cursor.File != primaryName {
		return nil
	}
	info, err := os.Stat(q.path(primaryName))
	if err != nil || info.Size() < q.cfg.RotateBytes {
		return nil
	}
	if _, err := os.Stat(q.path(rotatedName)); err == nil {
		return nil // previous rotation still draining
	}

	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	if err := os.Rename(q.path(primaryName), q.path(rotatedName)); err != nil {
		return fmt.Errorf("rotate queue: %v: %w", err, types.ErrTransient)
	}
	q.st.Cursor = Cursor{File: rotatedName, Offset: q.st.Cursor.Offset}
	logging.Queue("rotated queue primary at %d bytes", info.Size())
	return q.writeState()
}

// MergeOverflow appends the overflow sidecar's records to the primary and
// truncates the sidecar. Called during idle pipeline cycles.
func (q *Queue) MergeOverflow() (int, error) {
	data, err := os.ReadFile(q.path(overflowName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read overflow: %v: %w", err, types.ErrTransient)
	}
	if len(data) == 0 {
		return 0, nil
	}

	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	f, err := os.OpenFile(q.path(primaryName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open primary for merge: %v: %w", err, types.ErrTransient)
	}
	n, err := f.Write(data)
	closeErr := f.Close()
	if err != nil {
		return 0, fmt.Errorf("merge overflow: wrote %d bytes: %v: %w", n, err, types.ErrTransient)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close primary after merge: %v: %w", closeErr, types.ErrTransient)
	}
	if err := os.Truncate(q.path(overflowName), 0); err != nil {
		return 0, fmt.Errorf("truncate overflow: %v: %w", err, types.ErrTransient)
	}

	merged := 0
	for _, b := range data {
		if b == '\n' {
			merged++
		}
	}
	logging.Queue("merged %d overflow records into primary", merged)
	return merged, nil
}

// scanDepth counts unread records across cursor file, primary (if on
// rotated), and overflow. Called once at Open.
func (q *Queue) scanDepth() int64 {
	var total int64
	count := func(name string, from int64) {
		f, err := os.Open(q.path(name))
		if err != nil {
			return
		}
		defer f.Close()
		if _, err := f.Seek(from, 0); err != nil {
			return
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			total++
		}
	}
	count(q.st.Cursor.File, q.st.Cursor.Offset)
	if q.st.Cursor.File == rotatedName {
		count(primaryName, 0)
	}
	count(overflowName, 0)
	return total
}
