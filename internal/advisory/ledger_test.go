package advisory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kait/internal/types"
)

func readJSONL[T any](t *testing.T, path string) []T {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec T
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLedgerRecordsEmittedCallInBothLogs(t *testing.T) {
	dir := t.TempDir()
	l := newLedger(filepath.Join(dir, "decisions.jsonl"), filepath.Join(dir, "advice.jsonl"))

	decision := &types.AdviceDecision{
		TS:            time.Now().UTC(),
		Tool:          "Bash",
		SessionID:     "s1",
		Outcome:       types.AdviceEmitted,
		Route:         types.RouteLive,
		SelectedCount: 1,
	}
	items := []types.AdviceItem{{AdviceID: "a1", Text: "pin versions", Source: "cognitive", Score: 0.5}}
	l.record(decision, &Request{SessionID: "s1", Tool: "Bash"}, items)

	decisions := readJSONL[types.AdviceDecision](t, filepath.Join(dir, "decisions.jsonl"))
	require.Len(t, decisions, 1)
	require.Equal(t, types.AdviceEmitted, decisions[0].Outcome)
	require.Equal(t, "Bash", decisions[0].Tool)

	advice := readJSONL[adviceLogEntry](t, filepath.Join(dir, "advice.jsonl"))
	require.Len(t, advice, 1)
	require.Equal(t, "s1", advice[0].SessionID)
	require.Len(t, advice[0].Items, 1)
	require.Equal(t, "a1", advice[0].Items[0].AdviceID)
}

func TestLedgerBlockedCallSkipsAdviceLog(t *testing.T) {
	dir := t.TempDir()
	advicePath := filepath.Join(dir, "advice.jsonl")
	l := newLedger(filepath.Join(dir, "decisions.jsonl"), advicePath)

	decision := &types.AdviceDecision{
		TS:                 time.Now().UTC(),
		Tool:               "Bash",
		Outcome:            types.AdviceBlocked,
		SuppressedCount:    1,
		SuppressionReasons: []string{"session budget exhausted (2/min)"},
	}
	l.record(decision, &Request{Tool: "Bash"}, nil)

	decisions := readJSONL[types.AdviceDecision](t, filepath.Join(dir, "decisions.jsonl"))
	require.Len(t, decisions, 1)
	require.Equal(t, types.AdviceBlocked, decisions[0].Outcome)

	_, err := os.Stat(advicePath)
	require.True(t, os.IsNotExist(err), "blocked decision must not write the advice log")
}

func TestJSONLWriterAppendsWholeRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	w := newJSONLWriter(path)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.append(map[string]int{"n": i}))
	}
	records := readJSONL[map[string]int](t, path)
	require.Len(t, records, 3)
	require.Equal(t, 2, records[2]["n"])
}

func TestJSONLWriterEmptyPathIsNoop(t *testing.T) {
	w := newJSONLWriter("")
	require.NoError(t, w.append(map[string]int{"n": 1}))
}
