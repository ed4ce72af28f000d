package agentplugin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/morrigan-hq/morrigan-server/internal/agentregistry"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

func newTestPlugin(t *testing.T) (*Plugin, *agentregistry.Registry) {
	t.Helper()
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "agentplugin.db"))
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

	registry := agentregistry.New(ds, tokens, time.Hour, log)
	return New(registry), registry
}

func TestHandleStateRecordsAgentState(t *testing.T) {
	p, registry := newTestPlugin(t)
	if _, err := registry.ProvisionClient("agent-1"); err != nil {
		t.Fatalf("ProvisionClient: %v", err)
	}

	err := p.handleState(context.Background(), map[string]interface{}{"state": "started"}, nil, &model.Session{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("handleState: %v", err)
	}

	agent, err := registry.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.LastState != "started" {
		t.Errorf("LastState: got %q, want started", agent.LastState)
	}
}

func TestHandleStateRejectsMissingStateField(t *testing.T) {
	p, _ := newTestPlugin(t)
	err := p.handleState(context.Background(), map[string]interface{}{}, nil, &model.Session{AgentID: "agent-1"})
	if err == nil {
		t.Fatal("expected missing state field to be rejected")
	}
}

func TestMessagesExposesTokenRefreshAndState(t *testing.T) {
	p, _ := newTestPlugin(t)
	handlers := p.Messages()
	if _, ok := handlers["token.refresh"]; !ok {
		t.Error("expected token.refresh handler")
	}
	if _, ok := handlers["state"]; !ok {
		t.Error("expected state handler")
	}
}
