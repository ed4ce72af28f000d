// Package session implements the agent protocol's bidirectional session
// manager: a connection map keyed by session id, a buffered send channel per
// connection, and heartbeat bookkeeping over gorilla/websocket text
// frames.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/model"
)

const sessionsCollection = "connections"

const defaultSendBufferSize = 64

// AgentVerifier resolves a bearer token to its owning agent (internal/agentregistry.Registry).
type AgentVerifier interface {
	VerifyToken(tokenString string) (*model.Agent, error)
	RecordState(agentID, state string) error
	RecordCapabilities(agentID string, caps []model.Capability) error
	Get(agentID string) (*model.Agent, error)
}

// MessageHandler handles one `<provider>.<message>` frame.
type MessageHandler func(ctx context.Context, message map[string]interface{}, conn *Conn, sess *model.Session) error

// ProviderRegistry resolves `<provider>.<message>` to a handler. The
// Component host implements this by exposing each mounted component's
// declared message handlers.
type ProviderRegistry interface {
	Handler(provider, message string) (MessageHandler, bool)
}

// Conn is a single accepted agent connection.
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	agentID   string
	send      chan []byte
	writeMu   sync.Mutex
	aliveMu   sync.Mutex
	alive     bool
	closeOnce sync.Once
	closed    chan struct{}
}

// Send queues a typed message for delivery; it never blocks the caller
// beyond the send buffer filling up.
func (c *Conn) Send(msgType string, payload map[string]interface{}) error {
	frame := map[string]interface{}{"type": msgType}
	for k, v := range payload {
		frame[k] = v
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return apperror.Wrap(apperror.KindFailed, err)
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return apperror.New(apperror.KindNotFound, "closed")
	}
}

func (c *Conn) setAlive(v bool) {
	c.aliveMu.Lock()
	c.alive = v
	c.aliveMu.Unlock()
}

func (c *Conn) isAlive() bool {
	c.aliveMu.Lock()
	defer c.aliveMu.Unlock()
	return c.alive
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Manager accepts agent WebSocket connections, enforces at-most-one
// session per agent, and routes inbound frames to provider handlers.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	sessions   *datastore.Collection
	agents     AgentVerifier
	providers  ProviderRegistry
	instanceID string
	heartbeat  time.Duration
	log        *slog.Logger

	upgrader websocket.Upgrader
}

// New builds a Manager. ds is the server's data store (or a namespaced
// view of it); instanceID identifies this server process for the
// session's serverInstanceId field.
func New(ds interface{ Collection(string) *datastore.Collection }, agents AgentVerifier, providers ProviderRegistry, instanceID string, heartbeat time.Duration, log *slog.Logger) *Manager {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Manager{
		conns:      make(map[string]*Conn),
		sessions:   ds.Collection(sessionsCollection),
		agents:     agents,
		providers:  providers,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		log:        log,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// Accept upgrades r to a WebSocket connection and runs the session to
// completion. It blocks until the connection closes.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	agent, err := m.agents.VerifyToken(tok)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := m.evictPriorSession(agent.ID); err != nil {
		m.log.Error("evict prior session failed", "agentId", agent.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := model.Session{
		ID:               uuid.NewString(),
		AgentID:          agent.ID,
		ServerInstanceID: m.instanceID,
		PeerAddress:      r.RemoteAddr,
		Authenticated:    true,
		Alive:            true,
		Open:             true,
		LastHeartbeat:    time.Now().UTC(),
	}
	doc, err := datastore.ToDoc(sess)
	if err != nil {
		m.log.Error("marshal session", "error", err)
		_ = ws.Close()
		return
	}
	if err := m.sessions.InsertOne(doc); err != nil {
		m.log.Error("insert session", "error", err)
		_ = ws.Close()
		return
	}

	// Mandated post-insert re-check: another connection may have raced us
	// between the live-session lookup and this insert. If another open row
	// for this agent has a smaller id, the earlier id wins and this
	// connection drops its own row and closes.
	if dup, err := m.findLiveForAgent(agent.ID, sess.ID); err == nil && dup != nil {
		_ = m.sessions.DeleteOne(datastore.Doc{"id": sess.ID})
		_ = ws.Close()
		return
	}

	conn := &Conn{ws: ws, sessionID: sess.ID, agentID: agent.ID, send: make(chan []byte, defaultSendBufferSize), alive: true, closed: make(chan struct{})}
	m.mu.Lock()
	m.conns[sess.ID] = conn
	m.mu.Unlock()

	defer m.cleanup(conn)

	go m.writeLoop(conn)

	_ = conn.Send("connection.state", map[string]interface{}{"state": "accepted"})
	_ = conn.Send("capability.report", map[string]interface{}{})

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.readLoop(conn, &sess)
	}()

	for {
		select {
		case <-ticker.C:
			m.tickHeartbeat(conn)
		case <-done:
			return
		case <-conn.closed:
			return
		}
	}
}

// evictPriorSession removes a stale (not-alive) record for agentID, if any.
func (m *Manager) evictPriorSession(agentID string) error {
	docs, err := m.sessions.Find(datastore.Doc{"agentId": agentID})
	if err != nil {
		return err
	}
	for _, d := range docs {
		var s model.Session
		if err := datastore.FromDoc(d, &s); err != nil {
			continue
		}
		if s.Open && s.Alive {
			return apperror.New(apperror.KindFailed, "live session already exists for agent")
		}
		if !s.Alive {
			_ = m.sessions.DeleteOne(datastore.Doc{"id": s.ID})
		}
	}
	return nil
}

// findLiveForAgent looks for a competing open session inserted by another
// server racing the same agent. The at-most-one-session invariant is kept
// by an earlier-id-wins tie-break; the caller closes itself if a
// competing row with an earlier id is found.
func (m *Manager) findLiveForAgent(agentID, ownSessionID string) (*model.Session, error) {
	docs, err := m.sessions.Find(datastore.Doc{"agentId": agentID})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		var s model.Session
		if err := datastore.FromDoc(d, &s); err != nil {
			continue
		}
		if s.ID != ownSessionID && s.Open && s.ID < ownSessionID {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Manager) writeLoop(conn *Conn) {
	for {
		select {
		case b, ok := <-conn.send:
			if !ok {
				return
			}
			conn.writeMu.Lock()
			err := conn.ws.WriteMessage(websocket.TextMessage, b)
			conn.writeMu.Unlock()
			if err != nil {
				conn.close()
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (m *Manager) readLoop(conn *Conn, sess *model.Session) {
	conn.ws.SetPongHandler(func(string) error {
		conn.setAlive(true)
		m.stampHeartbeat(sess.ID)
		return nil
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		m.route(conn, sess, data)
	}
}

func (m *Manager) route(conn *Conn, sess *model.Session, data []byte) {
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		m.log.Warn("unparseable session frame", "sessionId", conn.sessionID, "error", err)
		return
	}
	typ, _ := frame["type"].(string)
	if typ == "" {
		m.log.Warn("session frame missing type", "sessionId", conn.sessionID)
		return
	}
	provider, message, found := strings.Cut(typ, ".")
	if !found {
		m.log.Warn("session frame type missing provider/message split", "sessionId", conn.sessionID, "type", typ)
		return
	}
	handler, ok := m.providers.Handler(provider, message)
	if !ok {
		m.log.Warn("no handler for session message", "sessionId", conn.sessionID, "type", typ)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("session handler panicked", "sessionId", conn.sessionID, "type", typ, "recover", r)
			}
		}()
		if err := handler(context.Background(), frame, conn, sess); err != nil {
			m.log.Error("session handler failed", "sessionId", conn.sessionID, "type", typ, "error", err)
		}
	}()
}

func (m *Manager) tickHeartbeat(conn *Conn) {
	if !conn.isAlive() {
		m.log.Warn("missed heartbeat", "sessionId", conn.sessionID, "agentId", conn.agentID)
	}
	conn.setAlive(false)
	conn.writeMu.Lock()
	err := conn.ws.WriteMessage(websocket.PingMessage, nil)
	conn.writeMu.Unlock()
	if err != nil {
		conn.close()
	}
}

func (m *Manager) stampHeartbeat(sessionID string) {
	_ = m.sessions.UpdateOne(datastore.Doc{"id": sessionID}, datastore.Doc{"lastHeartbeat": time.Now().UTC()})
}

func (m *Manager) cleanup(conn *Conn) {
	conn.close()
	m.mu.Lock()
	delete(m.conns, conn.sessionID)
	m.mu.Unlock()
	_ = m.sessions.DeleteOne(datastore.Doc{"id": conn.sessionID})

	agent, err := m.agents.Get(conn.agentID)
	if err == nil && !strings.HasPrefix(agent.LastState, "stopped") {
		_ = m.agents.RecordState(conn.agentID, "unknown")
	}
}

// SendFailure distinguishes Send's failure modes.
type SendFailure string

const (
	SendFailureNoSuchConnection SendFailure = "noSuchConnection"
	SendFailureClosed           SendFailure = "closed"
	SendFailureWrongServer      SendFailure = "wrongServer"
)

// Send delivers message to the session identified by sessionID.
func (m *Manager) Send(sessionID, msgType string, payload map[string]interface{}) error {
	m.mu.RLock()
	conn, ok := m.conns[sessionID]
	m.mu.RUnlock()
	if !ok {
		doc, err := m.sessions.FindOne(datastore.Doc{"id": sessionID})
		if err == nil && doc != nil {
			var s model.Session
			if err := datastore.FromDoc(doc, &s); err == nil && s.ServerInstanceID != m.instanceID {
				return apperror.New(apperror.KindFailed, string(SendFailureWrongServer))
			}
		}
		return apperror.New(apperror.KindNotFound, string(SendFailureNoSuchConnection))
	}
	if err := conn.Send(msgType, payload); err != nil {
		return apperror.New(apperror.KindNotFound, string(SendFailureClosed))
	}
	return nil
}

// Sessions lists every session this process currently tracks.
func (m *Manager) Sessions() ([]model.Session, error) {
	docs, err := m.sessions.Find(datastore.Doc{"serverInstanceId": m.instanceID})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	out := make([]model.Session, 0, len(docs))
	for _, d := range docs {
		var s model.Session
		if err := datastore.FromDoc(d, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
