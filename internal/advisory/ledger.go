package advisory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kait/internal/logging"
	"kait/internal/types"
)

// jsonlWriter appends JSON records, one per line. Appends are O_APPEND
// single writes so concurrent writers interleave whole records.
type jsonlWriter struct {
	mu   sync.Mutex
	path string
}

func newJSONLWriter(path string) *jsonlWriter {
	return &jsonlWriter{path: path}
}

func (w *jsonlWriter) append(record any) error {
	if w.path == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// adviceLogEntry records what was actually shown, for offline analysis.
type adviceLogEntry struct {
	TS        time.Time          `json:"ts"`
	SessionID string             `json:"session_id,omitempty"`
	Tool      string             `json:"tool"`
	Route     types.AdviceRoute  `json:"route"`
	Items     []types.AdviceItem `json:"items"`
}

// ledger wraps the two append-only advisory logs.
type ledger struct {
	decisions *jsonlWriter
	advice    *jsonlWriter
}

func newLedger(decisionPath, advicePath string) *ledger {
	return &ledger{
		decisions: newJSONLWriter(decisionPath),
		advice:    newJSONLWriter(advicePath),
	}
}

// record writes the decision entry and, for emitted calls, the advice-log
// entry. Ledger write failures are logged, never surfaced to the caller;
// advice delivery must not fail on audit I/O.
func (l *ledger) record(decision *types.AdviceDecision, req *Request, items []types.AdviceItem) {
	if err := l.decisions.append(decision); err != nil {
		logging.AdvisoryWarn("append decision ledger: %v", err)
	}
	if decision.Outcome != types.AdviceEmitted {
		return
	}
	entry := adviceLogEntry{
		TS:        decision.TS,
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Route:     decision.Route,
		Items:     items,
	}
	if err := l.advice.append(&entry); err != nil {
		logging.AdvisoryWarn("append advice log: %v", err)
	}
}
