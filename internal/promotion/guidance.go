package promotion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kait/internal/cognitive"
)

const (
	blockBegin = "<!-- kait:begin -->"
	blockEnd   = "<!-- kait:end -->"
)

// syncGuidanceFiles rewrites each guidance file's managed block from the
// store's promoted insights. Content outside the markers is preserved
// byte-for-byte; a file without markers gets the block appended.
func (p *Promoter) syncGuidanceFiles(ctx context.Context) error {
	byFile := make(map[string][]*cognitive.Insight)
	for _, ins := range p.store.Snapshot(ctx) {
		if ins.Promoted && ins.PromotedTo != "" {
			byFile[ins.PromotedTo] = append(byFile[ins.PromotedTo], ins)
		}
	}

	// Every known guidance file is synced, including ones whose promoted
	// set just became empty.
	files := map[string]bool{}
	for _, f := range fileForCategory {
		files[f] = true
	}
	for f := range byFile {
		files[f] = true
	}

	for file := range files {
		insights := byFile[file]
		sort.Slice(insights, func(i, j int) bool {
			if insights[i].Reliability != insights[j].Reliability {
				return insights[i].Reliability > insights[j].Reliability
			}
			return insights[i].Key < insights[j].Key
		})
		if err := p.writeManagedBlock(filepath.Join(p.dir, file), insights); err != nil {
			return fmt.Errorf("sync %s: %w", file, err)
		}
	}
	return nil
}

// guidanceLine formats one promoted insight for its guidance file.
func guidanceLine(ins *cognitive.Insight) string {
	return fmt.Sprintf("- %s _(reliability %.2f, %d validations)_",
		ins.Statement, ins.Reliability, ins.Validations)
}

func (p *Promoter) writeManagedBlock(path string, insights []*cognitive.Insight) error {
	var block strings.Builder
	block.WriteString(blockBegin)
	block.WriteString("\n")
	for _, ins := range insights {
		block.WriteString(guidanceLine(ins))
		block.WriteString("\n")
	}
	block.WriteString(blockEnd)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var next string
	content := string(existing)
	begin := strings.Index(content, blockBegin)
	end := strings.Index(content, blockEnd)
	switch {
	case begin >= 0 && end > begin:
		next = content[:begin] + block.String() + content[end+len(blockEnd):]
	case len(content) == 0:
		next = block.String() + "\n"
	default:
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		next = content + "\n" + block.String() + "\n"
	}

	if next == content {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(next), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func appendLog(path string, entry *logEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
