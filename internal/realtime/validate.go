package realtime

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionStart:     true,
	TypeSessionCommand:   true,
	TypeSessionQuery:     true,
	TypeSessionStop:      true,
	TypeSessionTerminate: true,
	TypeSessionRemove:    true,
	TypeSessionRunModel:  true,
}

// ValidateClientMessage parses a raw client message and checks the fields
// its type requires.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionStart:
		var p SessionStartPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}

	case TypeSessionCommand:
		var p SessionCommandPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "sessionKey", p.SessionKey); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "command", p.Command); err != nil {
			return nil, err
		}

	case TypeSessionQuery:
		var p SessionQueryPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "sessionKey", p.SessionKey); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "query_type", p.QueryType); err != nil {
			return nil, err
		}

	case TypeSessionStop:
		var p SessionStopPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "sessionKey", p.SessionKey); err != nil {
			return nil, err
		}

	case TypeSessionTerminate, TypeSessionRemove:
		var p SessionKeyPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "sessionKey", p.SessionKey); err != nil {
			return nil, err
		}

	case TypeSessionRunModel:
		var p SessionRunModelPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "sessionKey", p.SessionKey); err != nil {
			return nil, err
		}
		if p.ModelINI == "" && p.ModelPath == "" {
			return nil, fmt.Errorf("one of 'model_ini' or 'model_path' is required in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decodePayload(msg Message, out any) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func requireField(msgType, field, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
