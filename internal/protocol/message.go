package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of message types the engine emits.
type Kind string

const (
	KindReady    Kind = "ready"
	KindBusy     Kind = "busy"
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindStopped  Kind = "stopped"
	KindError    Kind = "error"
	KindLog      Kind = "log"

	// KindUnknown is reported for any type string outside the set above.
	// The raw string stays available on Message.Type.
	KindUnknown Kind = "unknown"
)

var knownKinds = map[Kind]bool{
	KindReady:    true,
	KindBusy:     true,
	KindProgress: true,
	KindResult:   true,
	KindStopped:  true,
	KindError:    true,
	KindLog:      true,
}

// ParseKind maps a wire type string to a Kind.
func ParseKind(s string) Kind {
	k := Kind(s)
	if knownKinds[k] {
		return k
	}
	return KindUnknown
}

// CommandKind is the closed set of message types sent to the engine.
type CommandKind string

const (
	CommandKindCommand   CommandKind = "command"
	CommandKindStop      CommandKind = "stop"
	CommandKindQuery     CommandKind = "query"
	CommandKindTerminate CommandKind = "terminate"
)

// Message is one decoded inbound line.
type Message struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Raw is the trimmed line the message was decoded from.
	Raw string `json:"-"`
}

// Kind returns the message kind, or KindUnknown for unrecognised types.
func (m Message) Kind() Kind {
	return ParseKind(m.Type)
}

// Time parses the engine timestamp. The second result is false when the
// timestamp is absent or not ISO-8601.
func (m Message) Time() (time.Time, bool) {
	if m.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// String returns the raw line when available, otherwise a re-encoding.
func (m Message) String() string {
	if m.Raw != "" {
		return m.Raw
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m.Type
	}
	return string(b)
}

// Outbound is one encoded line bound for the engine.
type Outbound struct {
	Type      CommandKind     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// CommandData is the data object of a command message.
type CommandData struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// QueryData is the data object of a query message.
type QueryData struct {
	QueryType  string         `json:"query_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// StopData is the data object of a stop message.
type StopData struct {
	Reason string `json:"reason"`
}
