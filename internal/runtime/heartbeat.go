package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"kait/internal/logging"
)

// heartbeatInterval is how often each worker's heartbeat file is refreshed.
const heartbeatInterval = 15 * time.Second

// heartbeat is the on-disk <worker>.heartbeat.json shape. External watchdogs
// read these files; kaitd itself never does.
type heartbeat struct {
	Worker string    `json:"worker"`
	PID    int       `json:"pid"`
	TS     time.Time `json:"ts"`
}

type heartbeatWriter struct {
	dir string
	now func() time.Time
}

func newHeartbeatWriter(dir string) *heartbeatWriter {
	return &heartbeatWriter{dir: dir, now: time.Now}
}

// Run refreshes one heartbeat file per worker until ctx is done. Files are
// written via temp+rename so readers never see a torn JSON document.
func (h *heartbeatWriter) Run(ctx context.Context, workers []string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	h.writeAll(workers)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.writeAll(workers)
		}
	}
}

func (h *heartbeatWriter) writeAll(workers []string) {
	pid := os.Getpid()
	now := h.now().UTC()
	for _, worker := range workers {
		hb := heartbeat{Worker: worker, PID: pid, TS: now}
		data, err := json.Marshal(&hb)
		if err != nil {
			continue
		}
		path := filepath.Join(h.dir, worker+".heartbeat.json")
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
			logging.Boot("write heartbeat %s: %v", worker, err)
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			logging.Boot("rename heartbeat %s: %v", worker, err)
		}
	}
}
