package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// ReadyData is the payload of a ready message.
type ReadyData struct {
	Status            string             `json:"status"`
	AvailableCommands []AvailableCommand `json:"available_commands,omitempty"`
	CurrentState      *CurrentState      `json:"current_state,omitempty"`
}

// AvailableCommand describes one command the engine advertises.
type AvailableCommand struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  []CommandParameter `json:"parameters,omitempty"`
}

// CommandParameter describes one parameter of an advertised command.
type CommandParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// CurrentState is the engine's view of what it has loaded.
type CurrentState struct {
	ModelLoaded    bool   `json:"model_loaded"`
	DataLoaded     bool   `json:"data_loaded"`
	LastSimulation string `json:"last_simulation,omitempty"`
}

// BusyData is the payload of a busy message.
type BusyData struct {
	Status           string `json:"status,omitempty"`
	ExecutingCommand string `json:"executing_command"`
	Interruptible    bool   `json:"interruptible"`
	StartedAt        string `json:"started_at,omitempty"`
}

// ProgressData is the payload of a progress message.
type ProgressData struct {
	Command  string        `json:"command,omitempty"`
	Progress *ProgressInfo `json:"progress"`
}

func (d *ProgressData) validate() error {
	if d.Progress == nil {
		return errors.New("missing progress object")
	}
	return nil
}

// ProgressInfo is the structured progress report inside ProgressData.
type ProgressInfo struct {
	PercentComplete    float64         `json:"percent_complete"`
	CurrentStep        string          `json:"current_step,omitempty"`
	EstimatedRemaining string          `json:"estimated_remaining,omitempty"`
	Details            json.RawMessage `json:"details,omitempty"`
}

// ResultData is the payload of a result message.
type ResultData struct {
	Command         string          `json:"command,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ExecutionTimeMs *float64        `json:"execution_time_ms,omitempty"`
}

// Outputs returns result.outputs_generated, or nil when absent.
func (d ResultData) Outputs() []string {
	if len(d.Result) == 0 {
		return nil
	}
	var r struct {
		OutputsGenerated []string `json:"outputs_generated"`
	}
	if err := json.Unmarshal(d.Result, &r); err != nil {
		return nil
	}
	return r.OutputsGenerated
}

// Field decodes one named field of the result object into out.
func (d ResultData) Field(name string, out any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(d.Result, &fields); err != nil {
		return err
	}
	raw, ok := fields[name]
	if !ok {
		return errors.New("protocol: result has no field " + name)
	}
	return json.Unmarshal(raw, out)
}

// StoppedData is the payload of a stopped message.
type StoppedData struct {
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Fatal   *bool  `json:"fatal,omitempty"`
}

// Text returns the first non-empty description carried by the error.
func (d ErrorData) Text() string {
	for _, s := range []string{d.Error, d.Message, d.Reason} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

// Recoverable reports whether the engine declared the error non-fatal,
// either with an explicit fatal=false or a reason naming it recoverable.
func (d ErrorData) Recoverable() bool {
	if d.Fatal != nil {
		return !*d.Fatal
	}
	r := strings.ToLower(d.Reason)
	if strings.Contains(r, "unrecoverable") {
		return false
	}
	return strings.Contains(r, "recoverable") || r == "warning"
}

// LogData is the payload of a log message.
type LogData struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}
