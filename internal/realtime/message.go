package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate   = "session.update"
	TypeSessionEvent    = "session.event"
	TypeSessionProgress = "session.progress"
	TypeSessionLog      = "session.log"
	TypeSessionRemoved  = "session.removed"
	TypeProgramDone     = "program.done"
	TypeStatus          = "status"
	TypeError           = "error"
)

// Client → Server message types.
const (
	TypeSessionStart     = "session.start"
	TypeSessionCommand   = "session.command"
	TypeSessionQuery     = "session.query"
	TypeSessionStop      = "session.stop"
	TypeSessionTerminate = "session.terminate"
	TypeSessionRemove    = "session.remove"
	TypeSessionRunModel  = "session.runModel"
)

// Error codes.
const (
	ErrSessionNotFound  = "SESSION_NOT_FOUND"
	ErrSessionNotActive = "SESSION_NOT_ACTIVE"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrStartFailed      = "START_FAILED"
	ErrRejected         = "REJECTED"
)

// Server → Client payloads.

type SessionProgressPayload struct {
	SessionKey  string  `json:"sessionKey"`
	Percentage  float64 `json:"percentage"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Complete    bool    `json:"complete"`
}

type StatusPayload struct {
	Text string `json:"text"`
}

type SessionRemovedPayload struct {
	SessionKey string `json:"sessionKey"`
}

type ProgramDonePayload struct {
	SessionKey string   `json:"sessionKey"`
	Program    string   `json:"program"`
	State      string   `json:"state"`
	Stopped    bool     `json:"stopped,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads. JSON names match the REST request bodies.

type SessionStartPayload struct {
	EnginePath string   `json:"engine_path,omitempty"`
	Key        string   `json:"key,omitempty"`
	Args       []string `json:"args,omitempty"`
	WorkDir    string   `json:"work_dir,omitempty"`
	ModelPath  string   `json:"model_path,omitempty"`
}

type SessionCommandPayload struct {
	SessionKey string         `json:"sessionKey"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type SessionQueryPayload struct {
	SessionKey string         `json:"sessionKey"`
	QueryType  string         `json:"query_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type SessionStopPayload struct {
	SessionKey string `json:"sessionKey"`
	Reason     string `json:"reason,omitempty"`
}

type SessionKeyPayload struct {
	SessionKey string `json:"sessionKey"`
}

type SessionRunModelPayload struct {
	SessionKey string `json:"sessionKey"`
	ModelINI   string `json:"model_ini,omitempty"`
	ModelPath  string `json:"model_path,omitempty"`
}
