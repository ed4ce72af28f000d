// Package identityplugin registers the operator identity service as a
// named component, purely so the OpenAPI aggregator has a place to attach
// its schema fragment. The identity HTTP routes themselves are served
// directly by internal/httpapi against the same identity.Service, since
// they're core, fixed base paths rather than a generic /api/<name> mount.
package identityplugin

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/component"
)

const componentName = "identity"

// Plugin is a documentation-only component: it contributes an OpenAPI
// fragment describing the core auth/identity routes without mounting any
// routes of its own (those already live under /api/auth).
type Plugin struct{}

// New builds the identity component registry entry.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return componentName }

func (p *Plugin) Setup(ctx context.Context, spec map[string]interface{}, router chi.Router, env component.Env) error {
	return nil
}

// OpenAPI implements component.OpenAPIProvider.
func (p *Plugin) OpenAPI() map[string]interface{} {
	return map[string]interface{}{
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Identity": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":        map[string]interface{}{"type": "string"},
						"name":      map[string]interface{}{"type": "string"},
						"authId":    map[string]interface{}{"type": "string"},
						"functions": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					},
				},
			},
		},
	}
}
