package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/pkg/models"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	Message    *gormdb.Message `json:"message"`
	TaskID     string          `json:"task_id,omitempty"`
	TaskPrompt string          `json:"task_prompt,omitempty"`
	Busy       bool            `json:"busy,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	session := &gormdb.Session{Title: strings.TrimSpace(req.Title)}
	if err := s.db.WithContext(r.Context()).Create(session).Error; err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []gormdb.Session
	err := s.db.WithContext(r.Context()).
		Order("updated_at DESC").
		Find(&sessions).Error
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadSession(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleDeleteSession tears the session down: the live automation
// handle is released first, then the row cascade-deletes the
// transcript, tasks, events, and artifacts.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if s.manager != nil {
		s.manager.Release(r.Context(), sessionID)
	}

	result := s.db.WithContext(r.Context()).Delete(&gormdb.Session{}, "id = ?", sessionID)
	if result.Error != nil {
		writeDomainError(w, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		writeDomainError(w, models.ErrNotFound)
		return
	}

	log.Info().Str("sessionId", sessionID).Msg("Session deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadSession(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var messages []gormdb.Message
	err = s.db.WithContext(r.Context()).
		Where("session_id = ?", session.ID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	result, err := s.convo.HandleMessage(r.Context(), sessionID, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.broadcaster.Publish(sessionID, map[string]any{"type": "message", "message": result.Message})

	writeJSON(w, http.StatusOK, messageResponse{
		Message:    result.Message,
		TaskID:     result.TaskID,
		TaskPrompt: result.TaskPrompt,
		Busy:       result.Busy,
	})
}

// handlePostMessageStream answers a message over SSE, emitting visible
// assistant text as delta events and a terminal done event. Directive
// text never reaches the stream.
func (s *Server) handlePostMessageStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
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

	emit := func(text string) {
		writeSSE(w, flusher, map[string]any{"type": "delta", "text": text})
	}

	result, err := s.convo.StreamMessage(r.Context(), sessionID, req.Content, emit)
	if err != nil {
		status := "internal error"
		if errors.Is(err, models.ErrNotFound) {
			status = err.Error()
		} else {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("Streamed message failed")
		}
		writeSSE(w, flusher, map[string]any{"type": "error", "message": status})
		return
	}

	s.broadcaster.Publish(sessionID, map[string]any{"type": "message", "message": result.Message})

	writeSSE(w, flusher, map[string]any{
		"type":        "done",
		"message_id":  result.Message.ID,
		"task_id":     result.TaskID,
		"task_prompt": result.TaskPrompt,
		"busy":        result.Busy,
	})
}

// handleMessageEvents subscribes the client to live transcript updates
// for the session.
func (s *Server) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadSession(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.broadcaster.Serve(w, r, session.ID)
}

// handleScreenshot captures the current browser screen, falling back
// to the session's most recent persisted screenshot artifact when no
// live page is available.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadSession(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.manager != nil {
		if shot, err := s.manager.Screenshot(r.Context(), session.ID); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"screenshot": shot})
			return
		}
	}

	var artifact gormdb.Artifact
	err = s.db.WithContext(r.Context()).
		Joins("JOIN tasks ON tasks.id = artifacts.task_id").
		Where("tasks.session_id = ? AND artifacts.type = ?", session.ID, models.ArtifactTypeScreenshot).
		Order("artifacts.created_at DESC").
		First(&artifact).Error
	if err != nil || artifact.Data == nil {
		writeDomainError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"screenshot": *artifact.Data})
}

func (s *Server) loadSession(r *http.Request) (*gormdb.Session, error) {
	sessionID := chi.URLParam(r, "sessionID")
	var session gormdb.Session
	if err := s.db.WithContext(r.Context()).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}
