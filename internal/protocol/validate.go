package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

var validCommandKinds = map[CommandKind]bool{
	CommandKindCommand:   true,
	CommandKindStop:      true,
	CommandKindQuery:     true,
	CommandKindTerminate: true,
}

// DecodeOutbound parses and validates a line produced by one of the Encode
// functions. Engine stand-ins use it to read what the frontend sent.
func DecodeOutbound(line string) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &out); err != nil {
		return out, fmt.Errorf("protocol: invalid outbound message: %w", err)
	}
	if !validCommandKinds[out.Type] {
		return out, fmt.Errorf("%w: %q", ErrUnknownCommandKind, out.Type)
	}
	if out.Timestamp == "" {
		return out, &SchemaError{Type: string(out.Type), Err: fmt.Errorf("missing timestamp")}
	}

	switch out.Type {
	case CommandKindCommand:
		var d CommandData
		if err := json.Unmarshal(out.Data, &d); err != nil || d.Command == "" {
			return out, &SchemaError{Type: string(out.Type), Err: fmt.Errorf("missing command")}
		}
	case CommandKindQuery:
		var d QueryData
		if err := json.Unmarshal(out.Data, &d); err != nil || d.QueryType == "" {
			return out, &SchemaError{Type: string(out.Type), Err: fmt.Errorf("missing query_type")}
		}
	case CommandKindStop:
		var d StopData
		if err := json.Unmarshal(out.Data, &d); err != nil {
			return out, &SchemaError{Type: string(out.Type), Err: err}
		}
	}
	return out, nil
}

// Command returns the command data of an outbound command message.
func (o Outbound) Command() (CommandData, error) {
	var d CommandData
	if o.Type != CommandKindCommand {
		return d, fmt.Errorf("protocol: %s is not a command", o.Type)
	}
	err := json.Unmarshal(o.Data, &d)
	return d, err
}

// Query returns the query data of an outbound query message.
func (o Outbound) Query() (QueryData, error) {
	var d QueryData
	if o.Type != CommandKindQuery {
		return d, fmt.Errorf("protocol: %s is not a query", o.Type)
	}
	err := json.Unmarshal(o.Data, &d)
	return d, err
}
