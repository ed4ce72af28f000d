package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
)

// handleListConnections is GET /api/connection.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.Sessions()
	if err != nil {
		writeError(w, err)
		return
	}
	if len(sessions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetConnection is GET /api/connection/{connectionID}.
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	sessions, err := s.sessions.Sessions()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, sess := range sessions {
		if sess.ID == id {
			writeJSON(w, http.StatusOK, sess)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendConnection is POST /api/connection/{connectionID}/send.
func (s *Server) handleSendConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	var body struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		writeError(w, apperror.New(apperror.KindRequest, "missing message type"))
		return
	}
	if err := s.sessions.Send(id, body.Type, body.Payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
