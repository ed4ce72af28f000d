package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
)

// handleProvisionClient is POST /api/client/provision.
func (s *Server) handleProvisionClient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeError(w, apperror.New(apperror.KindRequest, "missing client id"))
		return
	}
	result, err := s.agents.ProvisionClient(body.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": result.Token,
		"record": map[string]interface{}{
			"id":      result.Agent.ID,
			"expires": result.Agent.Updated,
		},
	})
}

// handleListClients is GET /api/client.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if len(agents) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleGetClient is GET /api/client/{clientID}.
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleDeleteClient is DELETE /api/client/{clientID}.
func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Deprovision(chi.URLParam(r, "clientID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
