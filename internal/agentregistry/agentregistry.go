// Package agentregistry provisions agent records and long-lived agent
// tokens, and verifies them at session start.
package agentregistry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

const agentsCollection = "clients"

// TokenService is the subset of the token service the registry needs.
type TokenService interface {
	Issue(subject string, opts token.IssueOptions) (*token.IssueResult, error)
	Verify(tokenString string) (*token.VerifyResult, error)
	Revoke(subject string) error
}

// Registry manages agents and their long-lived tokens.
type Registry struct {
	mu     sync.RWMutex
	agents *datastore.Collection
	tokens TokenService
	ttl    time.Duration
	log    *slog.Logger
}

// New creates a Registry backed by ds's "clients" collection, taken under
// that exact name (ds decides any prefix).
func New(ds interface{ Collection(string) *datastore.Collection }, tokens TokenService, ttl time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		agents: ds.Collection(agentsCollection),
		tokens: tokens,
		ttl:    ttl,
		log:    log,
	}
}

// ProvisionResult is the {token, record} pair returned by ProvisionClient.
type ProvisionResult struct {
	Agent model.Agent
	Token string
}

// ProvisionClient is idempotent by id: an absent agent is created; an
// existing agent has its token replaced. Record-level, a new verification
// record is stored and the old one discarded (handled by token.Service's
// replace-by-subject semantics).
func (r *Registry) ProvisionClient(agentID string) (*ProvisionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	issued, err := r.tokens.Issue(agentID, token.IssueOptions{TTL: r.ttl})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	doc, err := r.agents.FindOne(datastore.Doc{"id": agentID})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	now := time.Now().UTC()
	if doc == nil {
		agent := model.Agent{
			ID:             agentID,
			Created:        now,
			Updated:        now,
			CurrentTokenID: issued.Record.ID,
			LastState:      "unknown",
		}
		agentDoc, err := datastore.ToDoc(agent)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindServerError, err)
		}
		if err := r.agents.InsertOne(agentDoc); err != nil {
			return nil, apperror.Wrap(apperror.KindServerError, err)
		}
		return &ProvisionResult{Agent: agent, Token: issued.Token}, nil
	}

	var agent model.Agent
	if err := datastore.FromDoc(doc, &agent); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	agent.CurrentTokenID = issued.Record.ID
	agent.Updated = now
	updatedDoc, err := datastore.ToDoc(agent)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if err := r.agents.ReplaceOne(datastore.Doc{"id": agentID}, updatedDoc); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &ProvisionResult{Agent: agent, Token: issued.Token}, nil
}

// Deprovision removes both the agent record and its current verification
// record, so a token issued before deprovisioning can never verify again.
func (r *Registry) Deprovision(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.agents.DeleteOne(datastore.Doc{"id": agentID}); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if err := r.tokens.Revoke(agentID); err != nil {
		return err
	}
	return nil
}

// VerifyToken delegates to the token service, then resolves subject to an
// agent record — failure if the agent no longer exists.
func (r *Registry) VerifyToken(tokenString string) (*model.Agent, error) {
	result, err := r.tokens.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	doc, err := r.agents.FindOne(datastore.Doc{"id": result.Subject})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return nil, apperror.New(apperror.KindAuthenticationFail, "agent id/record mismatch: agent no longer exists")
	}
	var agent model.Agent
	if err := datastore.FromDoc(doc, &agent); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &agent, nil
}

// RecordState updates the agent's LastState (client.state message).
func (r *Registry) RecordState(agentID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.agents.FindOne(datastore.Doc{"id": agentID})
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return apperror.New(apperror.KindNotFound, "agent not found")
	}
	var agent model.Agent
	if err := datastore.FromDoc(doc, &agent); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	agent.LastState = state
	agent.Updated = time.Now().UTC()
	updatedDoc, err := datastore.ToDoc(agent)
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	return r.agents.ReplaceOne(datastore.Doc{"id": agentID}, updatedDoc)
}

// RecordCapabilities stores the agent's reported capability list.
func (r *Registry) RecordCapabilities(agentID string, caps []model.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.agents.FindOne(datastore.Doc{"id": agentID})
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return apperror.New(apperror.KindNotFound, "agent not found")
	}
	var agent model.Agent
	if err := datastore.FromDoc(doc, &agent); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	agent.Capabilities = caps
	agent.Updated = time.Now().UTC()
	updatedDoc, err := datastore.ToDoc(agent)
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	return r.agents.ReplaceOne(datastore.Doc{"id": agentID}, updatedDoc)
}

// Get fetches an agent by id.
func (r *Registry) Get(agentID string) (*model.Agent, error) {
	doc, err := r.agents.FindOne(datastore.Doc{"id": agentID})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return nil, apperror.New(apperror.KindNotFound, "agent not found")
	}
	var agent model.Agent
	if err := datastore.FromDoc(doc, &agent); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &agent, nil
}

// List returns every agent.
func (r *Registry) List() ([]model.Agent, error) {
	docs, err := r.agents.Find(datastore.Doc{})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	out := make([]model.Agent, 0, len(docs))
	for _, d := range docs {
		var a model.Agent
		if err := datastore.FromDoc(d, &a); err != nil {
			return nil, apperror.Wrap(apperror.KindServerError, err)
		}
		out = append(out, a)
	}
	return out, nil
}
