package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kait/internal/config"
	"kait/internal/queue"
	"kait/internal/types"
)

const testToken = "test-token-1234"

func testServer(t *testing.T, hardPressure int64, advise AdviseFunc) (*Server, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), config.DefaultQueueConfig())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	status := func() Status {
		return Status{Components: map[string]ComponentStatus{"kaitd": {Status: "ok"}}}
	}
	s := NewServer(config.DefaultIngestConfig(), hardPressure, q, testToken, status, advise)
	return s, q
}

func post(s *Server, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func eventJSON(t *testing.T, e types.Event) string {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(data)
}

func TestBadBatchLineEnqueuesNothing(t *testing.T) {
	s, q := testServer(t, 1000, nil)

	// Valid lines ahead of a broken one must not land in the queue: the
	// client retries the whole body after a 400, and partially accepted
	// events would be duplicated under fresh ids.
	body := strings.Join([]string{
		eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindUserPrompt, Text: "remember the port"}),
		eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash"}),
		"{not json",
	}, "\n")

	rec := post(s, body, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed batch: got %d want 400", rec.Code)
	}
	if q.Depth() != 0 {
		t.Fatalf("rejected batch left %d event(s) in the queue", q.Depth())
	}

	// An invalid event after valid ones behaves the same way.
	body = strings.Join([]string{
		eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindUserPrompt, Text: "remember the port"}),
		eventJSON(t, types.Event{SessionID: "", Kind: types.KindPostTool, Tool: "Bash"}),
	}, "\n")
	rec = post(s, body, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid event in batch: got %d want 400", rec.Code)
	}
	if q.Depth() != 0 {
		t.Fatalf("invalid batch left %d event(s) in the queue", q.Depth())
	}
}

func TestPostEventsRequiresToken(t *testing.T) {
	s, _ := testServer(t, 1000, nil)
	body := eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindUserPrompt, Text: "hi"})

	if rec := post(s, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d want 401", rec.Code)
	}
	if rec := post(s, body, "wrong-token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d want 401", rec.Code)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s, _ := testServer(t, 1000, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: got %d want 200", rec.Code)
	}
}

func TestPostEventsAcceptsBatch(t *testing.T) {
	s, q := testServer(t, 1000, nil)
	body := strings.Join([]string{
		eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindUserPrompt, Text: "remember the port"}),
		eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash"}),
	}, "\n")

	rec := post(s, body, testToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want 202, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Accepted != 2 {
		t.Fatalf("accepted: got %d want 2", resp.Accepted)
	}
	if q.Depth() != 2 {
		t.Fatalf("queue depth: got %d want 2", q.Depth())
	}
}

func TestPostEventsFillsDefaults(t *testing.T) {
	s, q := testServer(t, 1000, nil)
	body := eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindPostToolFailure, Tool: "Bash"})
	if rec := post(s, body, testToken); rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d", rec.Code)
	}

	entries, _, err := q.ReadBatch(10)
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries: got %d want 1", len(entries))
	}
	e := entries[0].Event
	if e.ID == "" || e.TSNanos == 0 {
		t.Fatalf("defaults not filled: id=%q ts=%d", e.ID, e.TSNanos)
	}
	if e.Importance <= 0 {
		t.Fatalf("failure event should carry importance, got %v", e.Importance)
	}
	if entries[0].Priority != types.PriorityHigh {
		t.Fatalf("failure priority: got %s want high", entries[0].Priority)
	}
}

func TestPostEventsRejectsBadInput(t *testing.T) {
	s, _ := testServer(t, 1000, nil)

	if rec := post(s, "{not json", testToken); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: got %d want 400", rec.Code)
	}
	missing := eventJSON(t, types.Event{Kind: types.KindUserPrompt, Text: "no session"})
	if rec := post(s, missing, testToken); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing session_id: got %d want 400", rec.Code)
	}
	badKind := `{"session_id":"s1","kind":"mystery"}`
	if rec := post(s, badKind, testToken); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid kind: got %d want 400", rec.Code)
	}
	if rec := post(s, "\n\n", testToken); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: got %d want 400", rec.Code)
	}
}

func TestPostEventsBodyTooLarge(t *testing.T) {
	s, _ := testServer(t, 1000, nil)
	s.cfg.MaxBodyBytes = 256

	big := types.Event{SessionID: "s1", Kind: types.KindUserPrompt,
		Text: strings.Repeat("x", 1024)}
	if rec := post(s, eventJSON(t, big), testToken); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: got %d want 413", rec.Code)
	}
}

func TestBackpressureAnswers429(t *testing.T) {
	s, q := testServer(t, 1, nil)
	// One queued event reaches the hard-pressure mark.
	if err := q.Append(types.QueueEntry{
		Event:    types.Event{ID: types.NewEventID(), SessionID: "s1", Kind: types.KindUserPrompt},
		Priority: types.PriorityMedium,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	body := eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindUserPrompt, Text: "hi"})
	rec := post(s, body, testToken)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got %d want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 without Retry-After header")
	}
}

func TestPreToolResponseCarriesAdvice(t *testing.T) {
	var askedTool string
	advise := func(ctx context.Context, e *types.Event) []types.AdviceItem {
		askedTool = e.Tool
		return []types.AdviceItem{{
			AdviceID: "adv-1",
			Text:     "Check the exit status first.",
			Source:   "cognitive",
		}}
	}
	s, _ := testServer(t, 1000, advise)

	body := eventJSON(t, types.Event{
		SessionID: "s1", Kind: types.KindPreTool, Tool: "Bash",
		ToolArgs: json.RawMessage(`{"command":"make"}`),
	})
	rec := post(s, body, testToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d", rec.Code)
	}
	if askedTool != "Bash" {
		t.Fatalf("advise called for tool %q", askedTool)
	}
	var resp struct {
		Accepted int                `json:"accepted"`
		Advice   []types.AdviceItem `json:"advice"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(resp.Advice) != 1 || resp.Advice[0].Text != "Check the exit status first." {
		t.Fatalf("advice: %+v", resp.Advice)
	}
}

func TestNonPreToolResponseHasNoAdvice(t *testing.T) {
	advise := func(ctx context.Context, e *types.Event) []types.AdviceItem {
		t.Fatal("advise called for a non-pre_tool event")
		return nil
	}
	s, _ := testServer(t, 1000, advise)

	body := eventJSON(t, types.Event{SessionID: "s1", Kind: types.KindPostTool, Tool: "Bash"})
	rec := post(s, body, testToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"advice"`) {
		t.Fatalf("unexpected advice field: %s", rec.Body.String())
	}
}
