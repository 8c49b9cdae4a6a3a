// messages.go defines the wire envelope and message payloads exchanged
// with the collector.

package transport

import (
	"time"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

// Outbound message types.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeException = "exception"
)

// Inbound message types.
const (
	TypeRegistered = "registered"
	TypeError      = "error"
)

// Error codes sent by the collector that reject the agent's credentials.
const (
	CodeAuthError     = "auth_error"
	CodeInvalidAPIKey = "invalid_api_key"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// RegisterPayload identifies the agent to the collector.
type RegisterPayload struct {
	APIKey         string `json:"api_key"`
	AgentID        string `json:"agent_id"`
	Hostname       string `json:"hostname"`
	Environment    string `json:"environment"`
	AgentVersion   string `json:"agent_version"`
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
}

// HeartbeatPayload is the liveness message body.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Inbound is a decoded collector message. Code and Message are set for
// error messages only.
type Inbound struct {
	Type    string
	Code    string
	Message string
}

// IsAuthFailure reports whether the message rejects the agent's credentials.
func (m Inbound) IsAuthFailure() bool {
	return m.Type == TypeError && (m.Code == CodeAuthError || m.Code == CodeInvalidAPIKey)
}

func newEnvelope(msgType string, payload any, now time.Time) Envelope {
	return Envelope{Type: msgType, Payload: payload, Timestamp: now.UnixMilli()}
}

func registerPayload(cfg aivory.Config) RegisterPayload {
	rt := cfg.RuntimeInfo()
	return RegisterPayload{
		APIKey:         cfg.APIKey,
		AgentID:        cfg.AgentID,
		Hostname:       cfg.Hostname,
		Environment:    cfg.Environment,
		AgentVersion:   aivory.Version,
		Runtime:        rt.Runtime,
		RuntimeVersion: rt.RuntimeVersion,
		Platform:       rt.Platform,
		Arch:           rt.Arch,
	}
}
