package token

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	svc, err := New(ds.Collection(collectionName), logging.NewTestLogger().Logger, "morrigan", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Dispose)
	return svc
}

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	svc := newTestService(t)

	issued, err := svc.Issue("agent-1", IssueOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	result, err := svc.Verify(issued.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Subject != "agent-1" {
		t.Errorf("subject: got %q, want %q", result.Subject, "agent-1")
	}
}

func TestReissueRevokesPredecessor(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Issue("agent-1", IssueOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue first: %v", err)
	}
	second, err := svc.Issue("agent-1", IssueOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue second: %v", err)
	}

	if _, err := svc.Verify(first.Token); err == nil {
		t.Fatal("expected first token to fail verification after reissue")
	} else if ae, ok := apperror.As(err); !ok || (ae.Kind != apperror.KindNoRecord && ae.Kind != apperror.KindInvalidRecord) {
		t.Errorf("expected noRecordError or invalidRecordError, got %v", err)
	}

	if _, err := svc.Verify(second.Token); err != nil {
		t.Fatalf("expected second token to verify, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	svc := newTestService(t)

	issued, err := svc.Issue("agent-1", IssueOptions{TTL: -time.Minute})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(issued.Token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestVerifyMalformedToken(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Verify("not-a-real-token"); err == nil {
		t.Fatal("expected malformed token to fail verification")
	} else if ae, ok := apperror.As(err); !ok || ae.Kind != apperror.KindInvalidToken {
		t.Errorf("expected invalidTokenError, got %v", err)
	}
}
