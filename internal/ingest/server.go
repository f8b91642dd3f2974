package ingest

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/queue"
	"kait/internal/types"
)

// ComponentStatus is one entry in the /status components map.
type ComponentStatus struct {
	Status string `json:"status"`
}

// Status is the /status response body.
type Status struct {
	QueueDepth    int64                      `json:"queue_depth"`
	LastCycleAgeS float64                    `json:"last_cycle_age_s"`
	Components    map[string]ComponentStatus `json:"components"`
}

// StatusFunc supplies the live /status snapshot; the runtime wires it.
type StatusFunc func() Status

// AdviseFunc answers the pre-tool hook inline: the POST response for a
// pre_tool event carries the advice items. Nil disables advisory replies.
type AdviseFunc func(ctx context.Context, e *types.Event) []types.AdviceItem

// Server is the ingest HTTP daemon.
type Server struct {
	cfg          config.IngestConfig
	hardPressure int64
	q            *queue.Queue
	token        string
	status       StatusFunc
	advise       AdviseFunc

	// sem bounds in-flight event posts to the worker pool size.
	sem chan struct{}

	srv *http.Server
}

// NewServer builds the daemon around the queue. token must be non-empty.
func NewServer(cfg config.IngestConfig, hardPressure int64, q *queue.Queue, token string, status StatusFunc, advise AdviseFunc) *Server {
	s := &Server{
		cfg:          cfg,
		hardPressure: hardPressure,
		q:            q,
		token:        token,
		status:       status,
		advise:       advise,
		sem:          make(chan struct{}, cfg.WorkerPool),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/events", s.handleEvents)
		r.Post("/ingest", s.handleEvents) // legacy hook alias
	})

	s.srv = &http.Server{
		Addr:         net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port)),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until ctx is done, then drains with the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Ingest("ingest daemon listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ingest serve: %v: %w", err, types.ErrFatal)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logging.IngestWarn("shutdown: %v", err)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

// handleEvents accepts one JSON event or an NDJSON batch and appends each
// event to the queue. Backpressure answers 429 before reading the body.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.q.Depth() >= s.hardPressure {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "queue backpressure", http.StatusTooManyRequests)
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-r.Context().Done():
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	// The whole batch is parsed and validated before anything is enqueued:
	// a 4xx means nothing was accepted, so the client can safely retry the
	// same body without duplicating its leading events.
	var events []*types.Event
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 0, 64*1024), int(s.cfg.MaxBodyBytes))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e types.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if e.ID == "" {
			e.ID = types.NewEventID()
		}
		if e.TSNanos == 0 {
			e.TSNanos = time.Now().UnixNano()
		}
		if err := e.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.Importance = scoreImportance(&e)
		events = append(events, &e)
	}
	if err := sc.Err(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(events) == 0 {
		http.Error(w, "no events in body", http.StatusBadRequest)
		return
	}

	accepted := 0
	var advice []types.AdviceItem
	for _, e := range events {
		if err := s.enqueue(e); err != nil {
			logging.IngestWarn("enqueue %s: %v", e.ID, err)
			http.Error(w, "queue write failed", http.StatusServiceUnavailable)
			return
		}
		accepted++

		// A pre_tool event is also an advice query; the first one in the
		// body gets the reply.
		if e.Kind == types.KindPreTool && s.advise != nil && advice == nil {
			advice = s.advise(r.Context(), e)
		}
	}

	resp := struct {
		Accepted int                `json:"accepted"`
		Advice   []types.AdviceItem `json:"advice,omitempty"`
	}{Accepted: accepted, Advice: advice}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
	logging.IngestDebug("accepted %d event(s), %d advice item(s)", accepted, len(advice))
}

// enqueue appends with jittered retries, falling through to the overflow
// sidecar so an accepted event is never dropped.
func (s *Server) enqueue(e *types.Event) error {
	entry := types.QueueEntry{Event: *e, Priority: types.PriorityFor(e)}

	var err error
	for attempt := 0; attempt < s.cfg.WriteRetries; attempt++ {
		if err = s.q.Append(entry); err == nil {
			return nil
		}
		time.Sleep(time.Duration(1+rand.Intn(10)) * time.Millisecond)
	}
	logging.IngestWarn("primary append failed after %d attempts, using overflow: %v",
		s.cfg.WriteRetries, err)
	return s.q.AppendOverflow(entry)
}
