// Package agentplugin wires internal/agentregistry into the component host
// as the "client" provider, exposing the two session protocol message
// handlers an agent exchanges with it: client.token.refresh and
// client.state.
package agentplugin

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morrigan-hq/morrigan-server/internal/agentregistry"
	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/component"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/session"
)

const providerName = "client"

// Plugin adapts an agentregistry.Registry to component.Component.
type Plugin struct {
	registry *agentregistry.Registry
}

// New builds the client provider component over an existing registry.
func New(registry *agentregistry.Registry) *Plugin {
	return &Plugin{registry: registry}
}

func (p *Plugin) Name() string { return providerName }

// Setup has no HTTP surface of its own: agent provisioning is served by
// the core /api/client routes in internal/httpapi, which delegate
// directly to the same registry. This component exists to register the
// session message handlers below.
func (p *Plugin) Setup(ctx context.Context, spec map[string]interface{}, router chi.Router, env component.Env) error {
	return nil
}

// Messages implements component.MessageProvider.
func (p *Plugin) Messages() map[string]session.MessageHandler {
	return map[string]session.MessageHandler{
		"token.refresh": p.handleTokenRefresh,
		"state":         p.handleState,
	}
}

// handleTokenRefresh issues a fresh token for the requesting agent and
// sends it back as client.token.issue; the prior token is implicitly
// invalidated on its next use (token.Service replace-by-subject).
func (p *Plugin) handleTokenRefresh(ctx context.Context, message map[string]interface{}, conn *session.Conn, sess *model.Session) error {
	result, err := p.registry.ProvisionClient(sess.AgentID)
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	return conn.Send("client.token.issue", map[string]interface{}{
		"token":   result.Token,
		"expires": time.Now().UTC(),
	})
}

// handleState records the agent's self-reported lifecycle state.
func (p *Plugin) handleState(ctx context.Context, message map[string]interface{}, conn *session.Conn, sess *model.Session) error {
	state, _ := message["state"].(string)
	if state == "" {
		return apperror.New(apperror.KindRequest, "client.state missing state field")
	}
	return p.registry.RecordState(sess.AgentID, state)
}
