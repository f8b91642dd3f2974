package cognitive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"kait/internal/types"
)

// snapshotFile is the on-disk shape of cognitive_insights.json. Insights are
// stored as a slice sorted by key so the file is canonical: serialize,
// reload, serialize again is byte-identical.
type snapshotFile struct {
	Version  int        `json:"version"`
	Insights []*Insight `json:"insights"`
}

const snapshotVersion = 1

func loadSnapshot(path string) (map[string]*Insight, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Insight{}, nil
		}
		return nil, fmt.Errorf("read cognitive snapshot: %v: %w", err, types.ErrFatal)
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cognitive snapshot: %v: %w", err, types.ErrFatal)
	}
	if file.Version > snapshotVersion {
		return nil, fmt.Errorf("cognitive snapshot version %d unsupported: %w", file.Version, types.ErrFatal)
	}
	insights := make(map[string]*Insight, len(file.Insights))
	for _, in := range file.Insights {
		if in.Key == "" {
			continue // quarantine corrupt record, keep running
		}
		insights[in.Key] = in
	}
	return insights, nil
}

func saveSnapshot(path string, insights map[string]*Insight) error {
	file := snapshotFile{Version: snapshotVersion, Insights: make([]*Insight, 0, len(insights))}
	for _, in := range insights {
		file.Insights = append(file.Insights, in)
	}
	sort.Slice(file.Insights, func(i, j int) bool {
		return file.Insights[i].Key < file.Insights[j].Key
	})

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cognitive snapshot: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %v: %w", err, types.ErrTransient)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cognitive snapshot: %v: %w", err, types.ErrTransient)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit cognitive snapshot: %v: %w", err, types.ErrTransient)
	}
	return nil
}
