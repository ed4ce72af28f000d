package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	tokens, err := token.New(ds.Collection("tokenRecords"), logging.NewTestLogger().Logger, "morrigan", 0)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	t.Cleanup(tokens.Dispose)

	registry := NewRegistry(PasswordProvider{})
	return New(ds, registry, tokens, time.Hour, logging.NewTestLogger().Logger)
}

func TestAddIdentityThenAuthenticate(t *testing.T) {
	s := newTestService(t)

	ident, err := s.AddIdentity(map[string]interface{}{
		"name": "alice",
		"auth": map[string]interface{}{"type": "password", "password": "correcthorse1"},
	})
	if err != nil {
		t.Fatalf("AddIdentity: %v", err)
	}
	if ident.Name != "alice" {
		t.Errorf("name: got %q, want alice", ident.Name)
	}

	if _, err := s.Authenticate("alice", map[string]interface{}{"password": "correcthorse1"}); err != nil {
		t.Fatalf("Authenticate success case: %v", err)
	}
	if _, err := s.Authenticate("alice", map[string]interface{}{"password": "wrong-password"}); err == nil {
		t.Fatal("expected authentication failure for wrong password")
	} else if ae, ok := apperror.As(err); !ok || ae.Kind != apperror.KindAuthenticationFail {
		t.Errorf("expected authenticationFailed, got %v", err)
	}
}

func TestAddIdentityDuplicateNameRejected(t *testing.T) {
	s := newTestService(t)
	details := map[string]interface{}{
		"name": "bob",
		"auth": map[string]interface{}{"type": "password", "password": "correcthorse1"},
	}
	if _, err := s.AddIdentity(details); err != nil {
		t.Fatalf("first AddIdentity: %v", err)
	}
	if _, err := s.AddIdentity(details); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestSetIdentityCannotEscalateWithoutAllowSecurityEdit(t *testing.T) {
	s := newTestService(t)
	ident, err := s.AddIdentity(map[string]interface{}{
		"name": "carol",
		"auth": map[string]interface{}{"type": "password", "password": "correcthorse1"},
	})
	if err != nil {
		t.Fatalf("AddIdentity: %v", err)
	}

	_, err = s.SetIdentity(ident.ID, map[string]interface{}{
		"functions": []string{"identity.create"},
	}, SetOptions{AllowSecurityEdit: false})
	if err == nil {
		t.Fatal("expected functions edit to be rejected without AllowSecurityEdit")
	}

	refreshed, err := s.GetIdentity(ident.ID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if len(refreshed.Functions) != 0 {
		t.Errorf("functions should be unchanged, got %v", refreshed.Functions)
	}
}

func TestRemoveIdentityCascadesAuth(t *testing.T) {
	s := newTestService(t)
	ident, err := s.AddIdentity(map[string]interface{}{
		"name": "dave",
		"auth": map[string]interface{}{"type": "password", "password": "correcthorse1"},
	})
	if err != nil {
		t.Fatalf("AddIdentity: %v", err)
	}
	if err := s.RemoveIdentity(ident.ID); err != nil {
		t.Fatalf("RemoveIdentity: %v", err)
	}
	if _, err := s.GetIdentity(ident.ID); err == nil {
		t.Fatal("expected identity to be gone")
	}
	authDoc, err := s.auths.FindOne(datastore.Doc{"id": ident.AuthID})
	if err != nil {
		t.Fatalf("FindOne auth: %v", err)
	}
	if authDoc != nil {
		t.Error("expected auth record to be cascaded-deleted")
	}
}

func TestBootstrapRequiresConfiguredPassword(t *testing.T) {
	s := newTestService(t)
	if err := s.Bootstrap(""); err == nil {
		t.Fatal("expected bootstrap without a password to fail")
	}
	if err := s.Bootstrap("initial-pass-1"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	idents, err := s.ListIdentities()
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(idents) != 1 || idents[0].Name != "admin" {
		t.Fatalf("expected single admin identity, got %v", idents)
	}
	if len(idents[0].Functions) == 0 {
		t.Error("expected admin to have a non-empty function list")
	}
}
