package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/agentregistry"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/identity"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/session"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

func newTestServer(t *testing.T) (*Server, *identity.Service) {
	t.Helper()
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "httpapi.db"))
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	log := logging.NewTestLogger().Logger
	tokens, err := token.New(ds.Collection("tokenRecords"), log, "morrigan", 0)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	t.Cleanup(tokens.Dispose)

	registry := identity.NewRegistry(identity.PasswordProvider{})
	idents := identity.New(ds, registry, tokens, time.Hour, log)
	if err := idents.Bootstrap("initial-pass-1"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	agents := agentregistry.New(ds, tokens, 24*time.Hour, log)
	sessions := session.New(ds, agents, noopProviders{}, "instance-1", time.Minute, log)

	srv := New(chi.NewRouter(), idents, agents, sessions, tokens, func() *openapi3.T { return nil }, log)
	return srv, idents
}

type noopProviders struct{}

func (noopProviders) Handler(provider, message string) (session.MessageHandler, bool) { return nil, false }

func login(t *testing.T, srv *Server, name, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestLoginSucceedsForBootstrapAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := login(t, srv, "admin", "initial-pass-1")
	if tok == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"name": "admin", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", rec.Code)
	}
}

func TestSelfEditCannotEscalateFunctions(t *testing.T) {
	srv, idents := newTestServer(t)
	tok := login(t, srv, "admin", "initial-pass-1")

	all, err := idents.ListIdentities()
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	adminID := all[0].ID

	body, _ := json.Marshal(map[string]interface{}{"functions": []string{"identity.delete.all"}})
	req := httptest.NewRequest(http.MethodPatch, "/api/auth/identity/me", bytes.NewReader(body))
	req.Header.Set("Authorization", "bearer "+tok)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("PATCH me: status %d (want 403) body %s", rec.Code, rec.Body.String())
	}

	refreshed, err := idents.GetIdentity(adminID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if len(refreshed.Functions) != len(identity.AllFunctions) {
		t.Errorf("functions should be unchanged by self-edit, got %v", refreshed.Functions)
	}
}

func TestProvisionClientRequiresFunction(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"id": "agent-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/client/provision", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status without token: got %d, want 403", rec.Code)
	}
}

func TestProvisionClientSucceedsForAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := login(t, srv, "admin", "initial-pass-1")

	body, _ := json.Marshal(map[string]string{"id": "agent-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/client/provision", bytes.NewReader(body))
	req.Header.Set("Authorization", "bearer "+tok)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("provision: status %d body %s", rec.Code, rec.Body.String())
	}
}
