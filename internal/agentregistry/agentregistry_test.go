package agentregistry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	tokens, err := token.New(ds.Collection("tokenRecords"), logging.NewTestLogger().Logger, "morrigan", 0)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	t.Cleanup(tokens.Dispose)

	return New(ds, tokens, time.Hour, logging.NewTestLogger().Logger)
}

func TestProvisionClientIsIdempotentByID(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.ProvisionClient("agent-1")
	if err != nil {
		t.Fatalf("ProvisionClient: %v", err)
	}
	second, err := r.ProvisionClient("agent-1")
	if err != nil {
		t.Fatalf("ProvisionClient (re-provision): %v", err)
	}
	if first.Token == second.Token {
		t.Error("expected re-provisioning to issue a fresh token")
	}

	agents, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected a single agent record, got %d", len(agents))
	}
}

func TestVerifyTokenRejectsPredecessor(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.ProvisionClient("agent-2")
	if err != nil {
		t.Fatalf("ProvisionClient: %v", err)
	}
	second, err := r.ProvisionClient("agent-2")
	if err != nil {
		t.Fatalf("re-provision: %v", err)
	}

	if _, err := r.VerifyToken(first.Token); err == nil {
		t.Error("expected predecessor token to be rejected")
	}
	if _, err := r.VerifyToken(second.Token); err != nil {
		t.Errorf("expected current token to verify, got %v", err)
	}
}

func TestVerifyTokenRejectsDeprovisionedAgent(t *testing.T) {
	r := newTestRegistry(t)

	result, err := r.ProvisionClient("agent-3")
	if err != nil {
		t.Fatalf("ProvisionClient: %v", err)
	}
	if err := r.Deprovision("agent-3"); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if _, err := r.VerifyToken(result.Token); err == nil {
		t.Error("expected token for a deprovisioned agent to fail verification")
	}
}

func TestRecordStateAndCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.ProvisionClient("agent-4"); err != nil {
		t.Fatalf("ProvisionClient: %v", err)
	}

	if err := r.RecordState("agent-4", "started"); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	caps := []model.Capability{{Name: "filesystem", Version: "1.0", Messages: []string{"list", "read"}}}
	if err := r.RecordCapabilities("agent-4", caps); err != nil {
		t.Fatalf("RecordCapabilities: %v", err)
	}

	agent, err := r.Get("agent-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.LastState != "started" {
		t.Errorf("LastState: got %q, want started", agent.LastState)
	}
	if len(agent.Capabilities) != 1 || agent.Capabilities[0].Name != "filesystem" {
		t.Errorf("Capabilities: got %v", agent.Capabilities)
	}
}
