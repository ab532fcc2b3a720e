// Package statusapi exposes the session registry's count over HTTP and a
// WebSocket event feed of whatever is passed to PublishEvent; no RTP
// statistics are exposed. It follows the teacher's web.Server shape:
// an *http.Server wrapped with a small CORS+logging middleware and a
// graceful Shutdown(ctx). It is ambient/domain enrichment (SPEC_FULL.md §0):
// spec.md's Non-goals exclude a GUI, not the underlying statistics surface.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rtspjpeg/rtspsession"
)

// SessionSnapshot is a JSON shape for one session. No endpoint emits it:
// /api/sessions reports only the session count.
type SessionSnapshot struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Peer  string `json:"peer"`
}

// Server is the status HTTP+WebSocket surface.
type Server struct {
	logger     *zap.Logger
	registry   *rtspsession.Registry
	httpServer *http.Server

	hub *eventHub
}

// NewServer constructs a Server bound to registry's live session state.
func NewServer(registry *rtspsession.Registry, logger *zap.Logger) *Server {
	return &Server{
		logger:   logger,
		registry: registry,
		hub:      newEventHub(logger),
	}
}

// Start binds addr and begins serving in a background goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/count", s.handleSessionCount)
	mux.HandleFunc("/ws/events", s.hub.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.addMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("status server error", zap.Error(err))
			}
		}
	}()
	if s.logger != nil {
		s.logger.Info("status server started", zap.String("address", addr))
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("statusapi: shutdown: %w", err)
	}
	return nil
}

// PublishEvent pushes an event to every connected /ws/events client.
func (s *Server) PublishEvent(eventType string, payload interface{}) {
	s.hub.publish(Event{Type: eventType, Payload: payload})
}

func (s *Server) handleSessionCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.registry.Count()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	// The registry does not expose bulk iteration (it is keyed for O(1)
	// point lookups, per spec.md §4.2), so this surface reports only the
	// aggregate count the registry supports directly. Per-session detail is
	// not published: /ws/events carries only what callers pass to
	// PublishEvent, and no component of this module calls it.
	writeJSON(w, http.StatusOK, map[string]int{"count": s.registry.Count()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(lw, r)

		if s.logger != nil {
			s.logger.Debug("status api request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lw.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
