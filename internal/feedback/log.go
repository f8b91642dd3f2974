package feedback

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"kait/internal/types"
)

// feedbackLog appends one JSON record per signal to implicit_feedback.jsonl.
type feedbackLog struct {
	mu   sync.Mutex
	path string
}

func newFeedbackLog(path string) *feedbackLog {
	return &feedbackLog{path: path}
}

func (l *feedbackLog) append(entry *types.FeedbackEntry) error {
	if l.path == "" {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
