package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/controller"
)

// Server is the HTTP status and control API
type Server struct {
	ctrl   *controller.Controller
	logger *slog.Logger
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
}

// NewServer creates the API server around a controller
func NewServer(ctrl *controller.Controller, logger *slog.Logger, addr string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ctrl:   ctrl,
		logger: logger,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/sessions", s.sessionsHandler())
	s.mux.HandleFunc("/api/sessions/", s.sessionHandler())
	s.mux.HandleFunc("/api/events", s.eventsHandler())
	s.mux.HandleFunc("/api/restarts", s.restartsHandler())
	s.mux.HandleFunc("/api/queue", s.queueHandler())
	s.mux.HandleFunc("/api/queue/remove", s.queueRemoveHandler())
	s.mux.HandleFunc("/api/queue/clear", s.queueClearHandler())
	s.mux.HandleFunc("/api/templates", s.templatesHandler())
	s.mux.HandleFunc("/api/stream", s.sseHandler())
}

// Run serves until ctx is cancelled, relaying controller events to
// SSE clients while it runs.
func (s *Server) Run(ctx context.Context) error {
	go s.sseHub.Run(ctx)
	s.ctrl.SetEventSink(func(ev controller.Event) {
		s.sseHub.Broadcast(SSEEvent{Type: ev.Kind, Data: ev})
	})
	defer s.ctrl.SetEventSink(nil)

	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("status api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
