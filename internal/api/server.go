package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/iothub-agent/iothub-device-agent/internal/journal"
	"github.com/iothub-agent/iothub-device-agent/internal/transport"
)

// StatusServer exposes the agent's local status and a manual send endpoint.
type StatusServer struct {
	sess   *transport.ConnectionSession
	jrnl   *journal.Journal
	router chi.Router
	server *http.Server
}

// NewStatusServer creates the local REST server. The journal may be nil.
func NewStatusServer(sess *transport.ConnectionSession, jrnl *journal.Journal) *StatusServer {
	s := &StatusServer{
		sess:   sess,
		jrnl:   jrnl,
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *StatusServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Post("/telemetry", s.handleSendTelemetry)
}

// ListenAndServe starts serving on addr.
func (s *StatusServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	return s.server.ListenAndServe()
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	backlog := 0
	if s.jrnl != nil {
		if n, err := s.jrnl.Backlog(); err == nil {
			backlog = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection":     s.sess.State().String(),
		"pendingAcks":    s.sess.PendingAcks(),
		"journalBacklog": backlog,
	})
}

func (s *StatusServer) handleSendTelemetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload []byte `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	status, err := s.sess.SendMessage(transport.NewTelemetry(req.Payload))
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if status != transport.StatusOK {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": status.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
