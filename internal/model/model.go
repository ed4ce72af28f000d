// Package model holds the core persisted record types shared by every
// subsystem. Records carry only ids across subsystem boundaries (no
// embedded pointers between, say, Session and Agent) so each subsystem
// resolves references through its own store at use time.
package model

import "time"

// Identity is an operator account.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AuthID    string    `json:"authId"`
	Functions []string  `json:"functions"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PasswordAuth is the `password` authentication variant.
type PasswordAuth struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
}

// OIDCAuth is the `oidc` authentication variant: no local secret, only the
// subject claim expected from the configured identity provider.
type OIDCAuth struct {
	Issuer  string `json:"issuer"`
	Subject string `json:"subject"`
}

// TOTPAuth is an optional second factor layered on top of another variant.
type TOTPAuth struct {
	Secret  string   `json:"secret"`
	Enabled bool     `json:"enabled"`
	Backup  []string `json:"backup,omitempty"`
}

// Authentication is a sum type over supported methods; exactly one of the
// pointer fields matching Type is non-nil.
type Authentication struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Password *PasswordAuth `json:"password,omitempty"`
	OIDC     *OIDCAuth     `json:"oidc,omitempty"`
	TOTP     *TOTPAuth     `json:"totp,omitempty"`
}

// TokenRecord is a token verification record: one per token ever issued.
type TokenRecord struct {
	ID        string    `json:"id"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	PublicKey []byte    `json:"publicKey"`
	Issued    time.Time `json:"issued"`
	Expires   time.Time `json:"expires"`
}

// Capability is an agent-reported descriptor recorded after capability.report.
type Capability struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Messages []string `json:"messages"`
}

// Agent is a long-running device/process managed through the control plane.
type Agent struct {
	ID             string       `json:"id"`
	Created        time.Time    `json:"created"`
	Updated        time.Time    `json:"updated"`
	CurrentTokenID string       `json:"currentTokenId"`
	LastState      string       `json:"lastState"`
	Capabilities   []Capability `json:"capabilities"`
}

// Session is a live bidirectional stream bound to one authenticated agent.
type Session struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agentId"`
	ServerInstanceID string    `json:"serverInstanceId"`
	PeerAddress      string    `json:"peerAddress"`
	Authenticated    bool      `json:"authenticated"`
	Alive            bool      `json:"alive"`
	Open             bool      `json:"open"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
}

// RuntimeInfo is informational metadata about a running server instance.
type RuntimeInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Pid     int    `json:"pid"`
}

// Instance is a per-server liveness row.
type Instance struct {
	ID          string      `json:"id"`
	Components  []string    `json:"components"`
	RuntimeInfo RuntimeInfo `json:"runtimeInfo"`
	Live        bool        `json:"live"`
	CheckInTime time.Time   `json:"checkInTime"`
	StopReason  string      `json:"stopReason,omitempty"`
}
