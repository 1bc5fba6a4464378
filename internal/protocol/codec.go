package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotJSON is returned by Decode for lines that are not a JSON object
	// carrying a type. Such lines are plain engine text.
	ErrNotJSON = errors.New("protocol: line is not a JSON message")

	// ErrNoPayload is returned by Payload when the message has no data object.
	ErrNoPayload = errors.New("protocol: message has no data")

	// ErrUnknownCommandKind is returned for outbound types outside the closed set.
	ErrUnknownCommandKind = errors.New("protocol: unknown command kind")
)

// DefaultStopReason is sent when a stop is requested without a reason.
const DefaultStopReason = "User requested cancellation"

// SchemaError reports a payload that does not match the schema for its type.
type SchemaError struct {
	Type string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("protocol: invalid %s payload: %v", e.Type, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// LooksLikeJSON reports whether the trimmed line is delimited by braces.
func LooksLikeJSON(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
}

// Decode parses one inbound line. Lines that are not a JSON object with a
// non-empty type return an error wrapping ErrNotJSON.
func Decode(line string) (Message, error) {
	trimmed := strings.TrimSpace(line)
	if !LooksLikeJSON(trimmed) {
		return Message{}, ErrNotJSON
	}
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrNotJSON)
	}
	return Message{
		Type:      env.Type,
		Timestamp: scalarText(env.Timestamp),
		SessionID: scalarText(env.SessionID),
		Data:      env.Data,
		Raw:       trimmed,
	}, nil
}

// envelope is the inbound wire shape. Only type has to be a string; the
// other header fields are taken as whatever scalar the engine sent.
type envelope struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
	SessionID json.RawMessage `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// scalarText renders a JSON header value as text. Strings are unquoted,
// null is empty and anything else keeps its JSON form.
func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type validator interface {
	validate() error
}

// Payload decodes the data object of msg into T. Payload types with
// required fields reject messages missing them with a *SchemaError.
func Payload[T any](msg Message) (T, error) {
	var out T
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return out, &SchemaError{Type: msg.Type, Err: ErrNoPayload}
	}
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, &SchemaError{Type: msg.Type, Err: err}
	}
	if v, ok := any(&out).(validator); ok {
		if err := v.validate(); err != nil {
			return out, &SchemaError{Type: msg.Type, Err: err}
		}
	}
	return out, nil
}

// EncodeAt serialises an outbound message with the given timestamp.
// The result never contains a session identifier or a trailing newline.
func EncodeAt(kind CommandKind, data any, ts time.Time) (string, error) {
	switch kind {
	case CommandKindCommand, CommandKindStop, CommandKindQuery, CommandKindTerminate:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommandKind, kind)
	}
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s data: %w", kind, err)
	}
	b, err := json.Marshal(Outbound{
		Type:      kind,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Data:      raw,
	})
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	return string(b), nil
}

// Encode serialises an outbound message stamped with the current time.
func Encode(kind CommandKind, data any) (string, error) {
	return EncodeAt(kind, data, time.Now())
}

// EncodeCommand builds a command message. Empty parameters are omitted.
func EncodeCommand(name string, params map[string]any) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("protocol: command name is required")
	}
	return Encode(CommandKindCommand, CommandData{Command: name, Parameters: params})
}

// EncodeQuery builds a query message. Empty parameters are omitted.
func EncodeQuery(queryType string, params map[string]any) (string, error) {
	if strings.TrimSpace(queryType) == "" {
		return "", errors.New("protocol: query type is required")
	}
	return Encode(CommandKindQuery, QueryData{QueryType: queryType, Parameters: params})
}

// EncodeStop builds a stop message, substituting DefaultStopReason for an
// empty reason.
func EncodeStop(reason string) (string, error) {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultStopReason
	}
	return Encode(CommandKindStop, StopData{Reason: reason})
}

// EncodeTerminate builds a terminate message with an empty data object.
func EncodeTerminate() (string, error) {
	return Encode(CommandKindTerminate, struct{}{})
}
