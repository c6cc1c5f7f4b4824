// webhook.go implements the ingress HTTP server. The webhook handler acks
// immediately with a status token and hands the event to a bounded worker
// pool; the gateway gets no further contract beyond follow-up delivery calls.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventHandler processes one parsed webhook event. Errors are logged by the
// pool; nothing propagates back to the gateway.
type EventHandler func(ctx context.Context, ev Event) error

// Server is the webhook ingress: HTTP listener plus worker pool.
type Server struct {
	addr    string
	handler EventHandler
	logger  *slog.Logger

	jobs    chan queuedEvent
	wg      sync.WaitGroup
	httpSrv *http.Server

	workers   int
	jobBuffer int
}

type queuedEvent struct {
	token string
	event Event
	ctx   context.Context
}

// ServerOption adjusts Server construction.
type ServerOption func(*Server)

// WithWorkers sets the number of pool workers (default 8).
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueDepth sets the pending job buffer (default 256). A full buffer
// sheds load: the event is acked and dropped with a warning.
func WithQueueDepth(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.jobBuffer = n
		}
	}
}

// NewServer creates the webhook server. handler runs on pool workers.
func NewServer(addr string, handler EventHandler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		handler:   handler,
		logger:    logger.With("component", "webhook"),
		workers:   8,
		jobBuffer: 256,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.jobs = make(chan queuedEvent, s.jobBuffer)
	return s
}

// Start launches the worker pool and the HTTP listener. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /webhook/{event}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("webhook server listening", "addr", s.addr, "workers", s.workers)

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("gateway: webhook server: %w", err)
}

// Shutdown stops the listener and drains in-flight workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	close(s.jobs)
	s.wg.Wait()
	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, `{"ok":false}`, http.StatusBadRequest)
		return
	}

	token := uuid.NewString()

	ev, err := ParseEvent(body)
	if err != nil {
		// Unrecognized shapes are rejected at the boundary but still acked;
		// the gateway retries nothing we can use.
		s.logger.Debug("discarding event", "error", err)
		writeAck(w, token, "ignored")
		return
	}

	select {
	case s.jobs <- queuedEvent{token: token, event: ev, ctx: context.WithoutCancel(r.Context())}:
		writeAck(w, token, "accepted")
	default:
		s.logger.Warn("event queue full, dropping event", "kind", ev.Kind(), "token", token)
		writeAck(w, token, "dropped")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"pending": len(s.jobs),
	})
}

func writeAck(w http.ResponseWriter, token, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"ok":     true,
		"token":  token,
		"status": status,
	})
}

func (s *Server) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			start := time.Now()
			if err := s.handler(job.ctx, job.event); err != nil {
				logger.Error("event processing failed",
					"kind", job.event.Kind(),
					"token", job.token,
					"error", err,
				)
				continue
			}
			logger.Debug("event processed",
				"kind", job.event.Kind(),
				"token", job.token,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}
