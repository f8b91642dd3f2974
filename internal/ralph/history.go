package ralph

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"kait/internal/logging"
)

// historyFile is the bounded roast-history log. Verdicts append as JSONL;
// when the file grows past twice the cap it is compacted down to the newest
// cap entries via temp+rename.
type historyFile struct {
	mu    sync.Mutex
	path  string
	limit int
	lines int
}

func newHistoryFile(path string, limit int) *historyFile {
	h := &historyFile{path: path, limit: limit}
	if path != "" {
		h.lines = countLines(path)
	}
	return h
}

func (h *historyFile) append(v *Verdict) {
	if h.path == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		logging.RalphWarn("marshal roast verdict: %v", err)
		return
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logging.RalphWarn("open roast history: %v", err)
		return
	}
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		logging.RalphWarn("write roast history: %v %v", werr, cerr)
		return
	}
	h.lines++
	if h.limit > 0 && h.lines > h.limit*2 {
		h.compact()
	}
}

// compact rewrites the history keeping only the newest cap entries.
func (h *historyFile) compact() {
	lines, err := readLines(h.path)
	if err != nil {
		logging.RalphWarn("compact roast history: %v", err)
		return
	}
	if len(lines) > h.limit {
		lines = lines[len(lines)-h.limit:]
	}
	tmp := h.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		logging.RalphWarn("compact roast history: %v", err)
		return
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		logging.RalphWarn("compact roast history: %v", err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		logging.RalphWarn("compact roast history: %v", err)
		return
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		logging.RalphWarn("compact roast history: %v", err)
		return
	}
	h.lines = len(lines)
	logging.RalphDebug("roast history compacted to %d entries", len(lines))
}

func countLines(path string) int {
	lines, err := readLines(path)
	if err != nil {
		return 0
	}
	return len(lines)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			lines = append(lines, sc.Text())
		}
	}
	return lines, sc.Err()
}
