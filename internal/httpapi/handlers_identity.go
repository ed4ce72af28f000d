package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/identity"
)

// handleLogin is POST /api/auth: operator login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperror.New(apperror.KindRequest, "malformed request body"))
		return
	}
	result, err := s.identity.Authenticate(body.Name, map[string]interface{}{"password": body.Password})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": "success", "token": result.Token})
}

// handleCreateIdentity is POST /api/auth/identity.
func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var details map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		writeError(w, apperror.New(apperror.KindRequest, "malformed request body"))
		return
	}
	ident, err := s.identity.AddIdentity(details)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident)
}

// handleListIdentities is GET /api/auth/identity.
func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	idents, err := s.identity.ListIdentities()
	if err != nil {
		writeError(w, err)
		return
	}
	if len(idents) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, idents)
}

// handleUpdateIdentity is PATCH /api/auth/identity/{identityID}; the
// caller's AllowSecurityEdit is granted since this route required the
// identity.update.all function.
func (s *Server) handleUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identityID")
	var details map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		writeError(w, apperror.New(apperror.KindRequest, "malformed request body"))
		return
	}
	ident, err := s.identity.SetIdentity(id, details, identity.SetOptions{AllowSecurityEdit: true})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// handleDeleteIdentity is DELETE /api/auth/identity/{identityID}.
func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identityID")
	if err := s.identity.RemoveIdentity(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetMe is GET /api/auth/identity/me: requires only a valid
// session, never a function name.
func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r)
	ident, err := s.identity.GetIdentity(auth.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// handleUpdateMe is PATCH /api/auth/identity/me. Self-edit must never
// escalate privileges: functions edits are rejected by passing
// AllowSecurityEdit=false regardless of what the caller's own functions
// permit elsewhere.
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r)
	var details map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		writeError(w, apperror.New(apperror.KindRequest, "malformed request body"))
		return
	}
	ident, err := s.identity.SetIdentity(auth.IdentityID, details, identity.SetOptions{AllowSecurityEdit: false})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}
