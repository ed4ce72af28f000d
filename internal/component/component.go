// Package component implements the component host: a static registry of
// named plugins, each mounted at /api/<name> with its own delegated,
// namespaced environment.
package component

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/config"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/session"
	"github.com/morrigan-hq/morrigan-server/internal/statestore"
)

// Env is the environment a component's Setup receives: delegated,
// namespaced stores plus server identity and a scoped log function.
// Namespaced data access hides Discard from children.
type Env struct {
	State      *statestore.Namespaced
	Data       *datastore.Namespaced
	ServerInfo model.RuntimeInfo
	BaseURL    string
	Log        func(msg string, args ...any)
}

// Component is a named plugin. Setup must be exported; the remaining
// hooks are optional and detected via interface assertion.
type Component interface {
	Name() string
	Setup(ctx context.Context, spec map[string]interface{}, router chi.Router, env Env) error
}

// Shutdowner is implemented by components with cleanup work.
type Shutdowner interface {
	OnShutdown(ctx context.Context, reason string) error
}

// MiddlewareProvider is implemented by components that wrap their own
// sub-router in additional middleware.
type MiddlewareProvider interface {
	Middleware() []func(http.Handler) http.Handler
}

// OpenAPIProvider is implemented by components that declare an OpenAPI
// fragment to merge into the aggregated document.
type OpenAPIProvider interface {
	OpenAPI() map[string]interface{}
}

// MessageProvider is implemented by components with session protocol
// message handlers, keyed by message-type suffix.
type MessageProvider interface {
	Messages() map[string]session.MessageHandler
}

// Host owns the installed component set and the root router they mount
// onto. It satisfies both lifecycle.ComponentHost (SetupAll/ShutdownAll)
// and session.ProviderRegistry (Handler) structurally.
type Host struct {
	mu         sync.RWMutex
	components map[string]Component
	specs      map[string]config.ComponentSpec

	root       chi.Router
	state      *statestore.Store
	data       *datastore.Store
	serverInfo model.RuntimeInfo
	baseURL    string
	log        *slog.Logger
}

// New creates an empty Host. root is the router components mount onto
// under /api/<name>; state and data are the process-wide stores each
// component is given a namespaced view of.
func New(root chi.Router, state *statestore.Store, data *datastore.Store, serverInfo model.RuntimeInfo, baseURL string, log *slog.Logger) *Host {
	return &Host{
		components: make(map[string]Component),
		specs:      make(map[string]config.ComponentSpec),
		root:       root,
		state:      state,
		data:       data,
		serverInfo: serverInfo,
		baseURL:    baseURL,
		log:        log,
	}
}

// Register installs c under its own name, configured by spec. Call before
// SetupAll; the host's component set is assembled at startup, not
// dynamically loaded.
func (h *Host) Register(c Component, spec config.ComponentSpec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[c.Name()] = c
	h.specs[c.Name()] = spec
}

func (h *Host) envFor(name string) Env {
	return Env{
		State:      h.state.Scope(name),
		Data:       h.data.Scope(name),
		ServerInfo: h.serverInfo,
		BaseURL:    h.baseURL,
		Log: func(msg string, args ...any) {
			h.log.Info(msg, append([]any{"component", name}, args...)...)
		},
	}
}

// SetupAll invokes every component's Setup concurrently. A component
// failing its hook is isolated: its error is recorded and every other
// component still proceeds.
func (h *Host) SetupAll(ctx context.Context) map[string]error {
	h.mu.RLock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	h.mu.RUnlock()

	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs[name] = fmt.Errorf("component %s panicked during setup: %v", name, r)
					mu.Unlock()
				}
			}()

			h.mu.RLock()
			c := h.components[name]
			spec := h.specs[name]
			h.mu.RUnlock()

			sub := chi.NewRouter()
			if mp, ok := c.(MiddlewareProvider); ok {
				for _, mw := range mp.Middleware() {
					sub.Use(mw)
				}
			}
			if err := c.Setup(ctx, spec.Spec, sub, h.envFor(name)); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				return
			}
			h.root.Mount("/api/"+name, sub)
		}(name)
	}
	wg.Wait()
	return errs
}

// ShutdownAll invokes every Shutdowner component's OnShutdown concurrently.
func (h *Host) ShutdownAll(ctx context.Context, reason string) map[string]error {
	h.mu.RLock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	h.mu.RUnlock()

	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		h.mu.RLock()
		c := h.components[name]
		h.mu.RUnlock()
		sd, ok := c.(Shutdowner)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, sd Shutdowner) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs[name] = fmt.Errorf("component %s panicked during shutdown: %v", name, r)
					mu.Unlock()
				}
			}()
			if err := sd.OnShutdown(ctx, reason); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
		}(name, sd)
	}
	wg.Wait()
	return errs
}

// Handler satisfies session.ProviderRegistry: it resolves a `<provider>.<message>`
// session frame to the owning component's declared handler.
func (h *Host) Handler(provider, message string) (session.MessageHandler, bool) {
	h.mu.RLock()
	c, ok := h.components[provider]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	mp, ok := c.(MessageProvider)
	if !ok {
		return nil, false
	}
	handler, ok := mp.Messages()[message]
	return handler, ok
}

// OpenAPIFragments returns every installed component's declared OpenAPI
// fragment, keyed by component name, for the aggregator to merge.
func (h *Host) OpenAPIFragments() map[string]map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]map[string]interface{})
	for name, c := range h.components {
		if op, ok := c.(OpenAPIProvider); ok {
			out[name] = op.OpenAPI()
		}
	}
	return out
}
