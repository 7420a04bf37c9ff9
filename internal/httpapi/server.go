// Package httpapi exposes the REST and streaming surface of the
// orchestration core: session and transcript management, direct task
// admission, ledger replay, and the realtime voice endpoint.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/surf/internal/automation"
	"github.com/thebtf/surf/internal/config"
	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/internal/orchestrator"
	"github.com/thebtf/surf/internal/realtime"
	"github.com/thebtf/surf/pkg/models"
)

// RelayFactory builds a voice relay for one session.
type RelayFactory func(sessionID string) *realtime.Relay

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	DB           *gorm.DB
	Ledger       *ledger.Ledger
	Machine      *orchestrator.TaskMachine
	Conversation *orchestrator.Conversation
	Manager      *automation.Manager
	Launch       orchestrator.Launcher
	RelayFactory RelayFactory
}

// Server is the HTTP API service.
type Server struct {
	cfg         config.Config
	db          *gorm.DB
	ledger      *ledger.Ledger
	machine     *orchestrator.TaskMachine
	convo       *orchestrator.Conversation
	manager     *automation.Manager
	launch      orchestrator.Launcher
	relays      RelayFactory
	broadcaster *Broadcaster
	router      chi.Router
}

// NewServer wires the HTTP surface and its routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		db:          deps.DB,
		ledger:      deps.Ledger,
		machine:     deps.Machine,
		convo:       deps.Conversation,
		manager:     deps.Manager,
		launch:      deps.Launch,
		relays:      deps.RelayFactory,
		broadcaster: NewBroadcaster(),
		router:      chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handlePostMessage)
			r.Post("/messages/stream", s.handlePostMessageStream)
			r.Get("/messages/events", s.handleMessageEvents)
			r.Get("/screenshot", s.handleScreenshot)
		})
	})

	s.router.Route("/tasks", func(r chi.Router) {
		r.Post("/sessions/{sessionID}", s.handleCreateTask)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Get("/events", s.handleListEvents)
			r.Get("/events/stream", s.handleStreamEvents)
			r.Get("/artifacts", s.handleListArtifacts)
		})
	})

	s.router.Get("/realtime/session/{sessionID}", s.handleRealtimeSession)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs each request at debug with its outcome status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
