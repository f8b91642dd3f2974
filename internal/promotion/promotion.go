// Package promotion moves insights that have earned their keep into the
// agent guidance files, and pulls them back out when reliability degrades.
// Each guidance file carries a managed block delimited by markers; only
// lines inside the block are ever touched.
package promotion

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"kait/internal/cognitive"
	"kait/internal/config"
	"kait/internal/logging"
)

// fileForCategory maps insight categories to guidance files. Wisdom is the
// broadest guidance; user understanding shapes agent behavior; reasoning
// lands next to tool usage notes. The rest goes to SOUL.md.
var fileForCategory = map[cognitive.Category]string{
	cognitive.CategoryWisdom:            "CLAUDE.md",
	cognitive.CategoryUserUnderstanding: "AGENTS.md",
	cognitive.CategoryReasoning:         "TOOLS.md",
	cognitive.CategorySelfAwareness:     "SOUL.md",
	cognitive.CategoryMetaLearning:      "SOUL.md",
	cognitive.CategoryOther:             "SOUL.md",
}

// logEntry is one promotion_log.jsonl record, covering both directions.
type logEntry struct {
	TS          time.Time `json:"ts"`
	Action      string    `json:"action"` // promoted, demoted
	Key         string    `json:"key"`
	Category    string    `json:"category"`
	File        string    `json:"file,omitempty"`
	Reliability float64   `json:"reliability"`
	Validations int       `json:"validations"`
	Reason      string    `json:"reason,omitempty"`
}

// Promoter runs the hourly promotion/demotion pass.
type Promoter struct {
	cfg      config.PromotionConfig
	store    *cognitive.Store
	dir      string
	logPath  string
	dataRoot string
	now      func() time.Time
}

// NewPromoter targets guidance files under cfg.GuidanceDir, defaulting to
// the data root.
func NewPromoter(cfg config.PromotionConfig, dataRoot string, store *cognitive.Store) *Promoter {
	dir := cfg.GuidanceDir
	if dir == "" {
		dir = dataRoot
	}
	return &Promoter{
		cfg:      cfg,
		store:    store,
		dir:      dir,
		logPath:  filepath.Join(dataRoot, "promotion_log.jsonl"),
		dataRoot: dataRoot,
		now:      time.Now,
	}
}

// Run executes passes on the configured interval until ctx is done. The
// first pass runs immediately so a restart does not delay promotion by an
// hour.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	logging.Promotion("promotion loop started, interval %v", p.cfg.Interval)
	for {
		if err := p.Pass(ctx); err != nil {
			logging.Promotion("promotion pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass runs one promotion/demotion sweep: demotions first so their lines
// are already gone when the guidance files are rewritten, then promotions.
func (p *Promoter) Pass(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryPromotion, "promotion pass")
	defer timer.Stop()

	insights := p.store.Snapshot(ctx)
	promoted, demoted := 0, 0

	for _, ins := range insights {
		switch {
		case ins.Promoted && ins.Reliability < p.cfg.DemoteReliability:
			if err := p.demote(ctx, ins); err != nil {
				return err
			}
			demoted++
		case !ins.Promoted &&
			ins.Reliability >= p.cfg.PromoteReliability &&
			ins.Validations >= p.cfg.PromoteValidations:
			if err := p.promote(ctx, ins); err != nil {
				return err
			}
			promoted++
		}
	}

	// Rewrite every guidance file's managed block from the store's current
	// promoted set. This also removes lines for insights demoted above.
	if err := p.syncGuidanceFiles(ctx); err != nil {
		return err
	}

	if promoted > 0 || demoted > 0 {
		logging.Promotion("pass complete: %d promoted, %d demoted", promoted, demoted)
	}
	return nil
}

func (p *Promoter) promote(ctx context.Context, ins *cognitive.Insight) error {
	file, ok := fileForCategory[ins.Category]
	if !ok {
		file = "SOUL.md"
	}
	if err := p.store.MarkPromoted(ctx, ins.Key, file); err != nil {
		return fmt.Errorf("mark promoted %s: %w", ins.Key, err)
	}
	entry := logEntry{
		TS:          p.now().UTC(),
		Action:      "promoted",
		Key:         ins.Key,
		Category:    string(ins.Category),
		File:        file,
		Reliability: ins.Reliability,
		Validations: ins.Validations,
	}
	if err := appendLog(p.logPath, &entry); err != nil {
		logging.Promotion("append promotion log: %v", err)
	}
	logging.Promotion("promoted %s (%.2f reliability, %d validations) -> %s",
		ins.Key, ins.Reliability, ins.Validations, file)
	return nil
}

func (p *Promoter) demote(ctx context.Context, ins *cognitive.Insight) error {
	if err := p.store.Demote(ctx, ins.Key, "reliability_degraded"); err != nil {
		return fmt.Errorf("demote %s: %w", ins.Key, err)
	}
	entry := logEntry{
		TS:          p.now().UTC(),
		Action:      "demoted",
		Key:         ins.Key,
		Category:    string(ins.Category),
		File:        ins.PromotedTo,
		Reliability: ins.Reliability,
		Validations: ins.Validations,
		Reason:      "reliability_degraded",
	}
	if err := appendLog(p.logPath, &entry); err != nil {
		logging.Promotion("append promotion log: %v", err)
	}
	logging.Promotion("demoted %s (reliability %.2f below %.2f)",
		ins.Key, ins.Reliability, p.cfg.DemoteReliability)
	return nil
}
