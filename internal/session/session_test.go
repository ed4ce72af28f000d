package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/model"
)

type fakeAgents struct {
	agents map[string]model.Agent
}

func (f *fakeAgents) VerifyToken(tokenString string) (*model.Agent, error) {
	a, ok := f.agents[tokenString]
	if !ok {
		return nil, errNotFound
	}
	return &a, nil
}

func (f *fakeAgents) RecordState(agentID, state string) error {
	a := f.agents[agentID]
	a.LastState = state
	f.agents[agentID] = a
	return nil
}

func (f *fakeAgents) RecordCapabilities(agentID string, caps []model.Capability) error {
	a := f.agents[agentID]
	a.Capabilities = caps
	f.agents[agentID] = a
	return nil
}

func (f *fakeAgents) Get(agentID string) (*model.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return nil, errNotFound
	}
	return &a, nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNotFound = stubErr("not found")

type fakeProviders struct {
	handlers map[string]MessageHandler
}

func (p *fakeProviders) Handler(provider, message string) (MessageHandler, bool) {
	h, ok := p.handlers[provider+"."+message]
	return h, ok
}

func newTestManager(t *testing.T) (*Manager, *fakeAgents, *fakeProviders) {
	t.Helper()
	ds, err := datastore.Open(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	agents := &fakeAgents{agents: map[string]model.Agent{"tok-1": {ID: "agent-1"}}}
	providers := &fakeProviders{handlers: map[string]MessageHandler{}}
	mgr := New(ds, agents, providers, "instance-1", 50*time.Millisecond, logging.NewTestLogger().Logger)
	return mgr, agents, providers
}

func dialAgent(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAcceptRejectsMissingToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	server := httptest.NewServer(http.HandlerFunc(mgr.Accept))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
}

func TestAcceptSendsStateThenCapabilityReport(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	server := httptest.NewServer(http.HandlerFunc(mgr.Accept))
	defer server.Close()

	conn := dialAgent(t, server, "tok-1")
	defer conn.Close()

	var first, second map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first["type"] != "connection.state" {
		t.Errorf("first frame type: got %v", first["type"])
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if second["type"] != "capability.report" {
		t.Errorf("second frame type: got %v", second["type"])
	}
}

func TestSecondConnectionForSameAgentIsRejected(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	server := httptest.NewServer(http.HandlerFunc(mgr.Accept))
	defer server.Close()

	first := dialAgent(t, server, "tok-1")
	defer first.Close()
	// Drain the first connection's initial frames so it is fully accepted
	// before the competing connection attempts to join.
	var discard map[string]interface{}
	_ = first.ReadJSON(&discard)
	_ = first.ReadJSON(&discard)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer tok-1")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected the second connection for the same agent to be rejected")
	}
	if resp != nil {
		defer resp.Body.Close()
	}
}

func TestStampHeartbeatPreservesOtherFields(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	sess := model.Session{
		ID:               "sess-1",
		AgentID:          "agent-1",
		ServerInstanceID: "instance-1",
		PeerAddress:      "10.0.0.5:1234",
		Authenticated:    true,
		Alive:            true,
		Open:             true,
	}
	doc, err := datastore.ToDoc(sess)
	if err != nil {
		t.Fatalf("ToDoc: %v", err)
	}
	if err := mgr.sessions.InsertOne(doc); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	mgr.stampHeartbeat(sess.ID)

	stored, err := mgr.sessions.FindOne(datastore.Doc{"id": sess.ID})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	var after model.Session
	if err := datastore.FromDoc(stored, &after); err != nil {
		t.Fatalf("FromDoc: %v", err)
	}
	if after.AgentID != sess.AgentID || after.ServerInstanceID != sess.ServerInstanceID ||
		after.PeerAddress != sess.PeerAddress || after.Authenticated != sess.Authenticated ||
		after.Alive != sess.Alive || after.Open != sess.Open {
		t.Fatalf("stampHeartbeat clobbered other fields: got %+v, want fields preserved from %+v", after, sess)
	}
	if after.LastHeartbeat.IsZero() {
		t.Error("expected lastHeartbeat to be stamped")
	}
}

func TestRouteInvokesProviderHandler(t *testing.T) {
	mgr, _, providers := newTestManager(t)
	server := httptest.NewServer(http.HandlerFunc(mgr.Accept))
	defer server.Close()

	received := make(chan map[string]interface{}, 1)
	providers.handlers["client.state"] = func(ctx context.Context, message map[string]interface{}, conn *Conn, sess *model.Session) error {
		received <- message
		return nil
	}

	conn := dialAgent(t, server, "tok-1")
	defer conn.Close()
	var discard map[string]interface{}
	_ = conn.ReadJSON(&discard)
	_ = conn.ReadJSON(&discard)

	payload, _ := json.Marshal(map[string]interface{}{"type": "client.state", "state": "started"})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg["state"] != "started" {
			t.Errorf("handler payload: got %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}
}
