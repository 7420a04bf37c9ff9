package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
)

type createTaskRequest struct {
	Prompt string `json:"prompt"`
}

// handleCreateTask admits a task directly, without the conversational
// confirmation round-trip. 409 when the session already runs a task.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	task, err := s.machine.Admit(r.Context(), sessionID, req.Prompt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.launch != nil {
		s.launch(task)
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.machine.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleListEvents replays ledger events after the given cursor.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	task, err := s.machine.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	afterID, err := queryInt64(r, "after_id", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after_id must be an integer")
		return
	}
	limit64, err := queryInt64(r, "limit", int64(s.cfg.MaxEventsPerPoll))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	events, err := s.ledger.Read(r.Context(), task.ID, afterID, int(limit64))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"events":  events,
	})
}

// handleStreamEvents streams ledger events over SSE by polling the
// ledger: replay from after_id, then poll until the task is terminal
// and fully drained. Keepalive comments hold idle connections open.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.machine.Get(r.Context(), taskID); err != nil {
		writeDomainError(w, err)
		return
	}

	afterID, err := queryInt64(r, "after_id", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after_id must be an integer")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	cursor := afterID

	poll := time.NewTicker(s.cfg.TaskPollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	// Status is read before the events so a finalization committed
	// mid-drain is never cut off: terminal status implies its events
	// are already visible to the reads that follow.
	drain := func() (terminal bool, ok bool) {
		task, err := s.machine.Get(ctx, taskID)
		if err != nil {
			return false, false
		}
		terminal = task.Status.IsTerminal()

		for {
			events, err := s.ledger.Read(ctx, taskID, cursor, s.cfg.MaxEventsPerPoll)
			if err != nil {
				log.Warn().Err(err).Str("taskId", taskID).Msg("Event stream read failed")
				return false, false
			}
			for i := range events {
				writeSSE(w, flusher, &events[i])
				cursor = events[i].ID
			}
			if len(events) < s.cfg.MaxEventsPerPoll {
				break
			}
		}
		return terminal, true
	}

	if terminal, ok := drain(); !ok || terminal {
		if ok {
			writeSSE(w, flusher, map[string]string{"type": "stream_end"})
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-poll.C:
			terminal, ok := drain()
			if !ok {
				return
			}
			if terminal {
				writeSSE(w, flusher, map[string]string{"type": "stream_end"})
				return
			}
		}
	}
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	task, err := s.machine.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var artifacts []gormdb.Artifact
	err = s.db.WithContext(r.Context()).
		Where("task_id = ?", task.ID).
		Order("created_at ASC").
		Find(&artifacts).Error
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func queryInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
