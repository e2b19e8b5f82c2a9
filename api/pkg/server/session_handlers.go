package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/sessions"
	"github.com/deskhive/deskhive/api/pkg/store"
	"github.com/deskhive/deskhive/api/pkg/types"
)

type createSessionRequest struct {
	Title              string `json:"title"`
	Model              string `json:"model"`
	Provider           string `json:"provider"`
	SystemPromptSuffix string `json:"system_prompt_suffix"`
}

type sessionResponse struct {
	*types.Session
	VNCURL string `json:"vnc_url,omitempty"`
}

func (s *Server) sessionResponse(session *types.Session) *sessionResponse {
	resp := &sessionResponse{Session: session}
	if session.DisplayNum != nil {
		resp.VNCURL = s.display.VNCURL(session.ID)
	}
	return resp
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}

	session, err := s.sessions.CreateSession(r.Context(), sessions.CreateSessionRequest{
		Title:              req.Title,
		Model:              req.Model,
		Provider:           req.Provider,
		SystemPromptSuffix: req.SystemPromptSuffix,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, s.sessionResponse(session))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	query := store.ListSessionsQuery{
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
	}

	list, err := s.store.ListSessions(r.Context(), query)
	if err != nil {
		log.Error().Err(err).Msg("failed to list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := make([]*sessionResponse, 0, len(list))
	for _, session := range list {
		resp = append(resp, s.sessionResponse(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":  s.sessionResponse(session),
		"messages": messages,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Error().Err(err).Str("session_id", id).Msg("failed to delete session")
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Fast path: a busy session is rejected before any store work.
	// SendMessage holds the authoritative guard for the racy case.
	if s.sessions.IsProcessing(id) {
		writeError(w, http.StatusConflict, "%s", sessions.ErrSessionProcessing)
		return
	}

	messageID, _, err := s.sessions.SendMessage(r.Context(), id, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, sessions.ErrSessionProcessing), errors.Is(err, sessions.ErrSessionArchived):
			writeError(w, http.StatusConflict, "%s", err)
		default:
			log.Error().Err(err).Str("session_id", id).Msg("failed to send message")
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message_id": messageID,
		"events_url": fmt.Sprintf("%s/sessions/%s/events", apiPrefix, id),
	})
}

// streamEvents relays the in-flight turn as Server-Sent Events. The
// stream ends after message_complete; an idle session yields an empty
// stream. Client disconnects stop the relay, never the execution.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range s.sessions.IterEvents(r.Context(), id, s.cfg.Agent.EventStreamTimeout) {
		if _, err := fmt.Fprint(w, event.ToSSE()); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) cancelProcessing(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cancelled := s.sessions.CancelProcessing(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) vncInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	if session.DisplayNum == nil {
		writeError(w, http.StatusNotFound, "session has no display")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":         s.display.VNCURL(session.ID),
		"display_num": *session.DisplayNum,
		"vnc_port":    *session.VNCPort,
	})
}

func (s *Server) diskUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	usage, err := s.usage.DiskUsage(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) forceCleanup(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.cleaner.ForceCleanup(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("forced cleanup failed")
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}
