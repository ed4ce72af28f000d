// Package httpapi implements the HTTP surface: operator auth, identity
// CRUD, agent provisioning, connection inspection, the agent WebSocket
// upgrade, and the aggregated OpenAPI document.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/morrigan-hq/morrigan-server/internal/agentregistry"
	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/identity"
	"github.com/morrigan-hq/morrigan-server/internal/openapi"
	"github.com/morrigan-hq/morrigan-server/internal/session"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

// Server mounts the core HTTP surface onto a shared chi.Router. The same
// router is handed to internal/component's Host, so component mounts
// under /api/<name> and these core routes live in one handler tree.
type Server struct {
	router   chi.Router
	identity *identity.Service
	agents   *agentregistry.Registry
	sessions *session.Manager
	tokens   *token.Service
	docs     func() *openapi3.T
	log      *slog.Logger
}

// New wires the core HTTP surface onto root. docs returns the current
// aggregated OpenAPI document (rebuilt by the caller after component
// setup completes).
func New(root chi.Router, ident *identity.Service, agents *agentregistry.Registry, sessions *session.Manager, tokens *token.Service, docs func() *openapi3.T, log *slog.Logger) *Server {
	s := &Server{identity: ident, agents: agents, sessions: sessions, tokens: tokens, docs: docs, log: log}
	s.router = root
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	s.mountRoutes()
	return s
}

// Router is the composed handler; the component host mounts component
// sub-routers onto the same underlying chi.Mux under /api/<name>.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) mountRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/", s.handleLogin)
			r.Route("/identity", func(r chi.Router) {
				r.Get("/me", s.requireSession(s.handleGetMe))
				r.Patch("/me", s.requireSession(s.handleUpdateMe))
				r.With(s.requireFunction("identity.get.all")).Get("/", s.handleListIdentities)
				r.With(s.requireFunction("identity.create")).Post("/", s.handleCreateIdentity)
				r.With(s.requireFunction("identity.update.all")).Patch("/{identityID}", s.handleUpdateIdentity)
				r.With(s.requireFunction("identity.delete.all")).Delete("/{identityID}", s.handleDeleteIdentity)
			})
		})

		r.Route("/client", func(r chi.Router) {
			r.With(s.requireFunction("client.provision")).Post("/provision", s.handleProvisionClient)
			r.With(s.requireSessionMiddleware()).Get("/", s.handleListClients)
			r.With(s.requireSessionMiddleware()).Get("/{clientID}", s.handleGetClient)
			r.With(s.requireSessionMiddleware()).Delete("/{clientID}", s.handleDeleteClient)
		})

		r.Route("/connection", func(r chi.Router) {
			r.Get("/connect", s.sessions.Accept)
			r.With(s.requireSessionMiddleware()).Get("/", s.handleListConnections)
			r.With(s.requireSessionMiddleware()).Get("/{connectionID}", s.handleGetConnection)
			r.With(s.requireSessionMiddleware()).Post("/{connectionID}/send", s.handleSendConnection)
		})
	})

	s.router.Get("/api-docs", s.handleOpenAPI)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps an apperror.Kind to its corresponding HTTP status.
func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindRequest:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindAuthenticationFail, apperror.KindInvalidToken, apperror.KindNoRecord, apperror.KindInvalidRecord:
		return http.StatusForbidden
	case apperror.KindFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	reason := err.Error()
	if ae, ok := apperror.As(err); ok {
		reason = ae.Reason
	}
	writeJSON(w, statusForKind(kind), map[string]interface{}{"state": string(kind), "reason": reason})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := s.docs()
	if doc == nil {
		doc = openapi.New(&openapi3.Info{Title: "morrigan", Version: "unknown"}).Build()
	}
	writeJSON(w, http.StatusOK, doc)
}
