package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_AllKinds(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
	}{
		{`{"type":"ready","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"status":"ready"}}`, KindReady},
		{`{"type":"busy","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"executing_command":"run_simulation","interruptible":true}}`, KindBusy},
		{`{"type":"progress","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"command":"run_simulation","progress":{"percent_complete":50,"current_step":"integrating"}}}`, KindProgress},
		{`{"type":"result","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"command":"run_simulation","result":{}}}`, KindResult},
		{`{"type":"stopped","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"reason":"user"}}`, KindStopped},
		{`{"type":"error","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"error":"boom"}}`, KindError},
		{`{"type":"log","timestamp":"2024-01-01T00:00:00Z","session_id":"abc","data":{"level":"info","message":"hi"}}`, KindLog},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			msg, err := Decode(tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, msg.Kind())
			assert.Equal(t, string(tc.kind), msg.Type)
			assert.Equal(t, "abc", msg.SessionID)
			assert.Equal(t, tc.line, msg.Raw)

			ts, ok := msg.Time()
			require.True(t, ok)
			assert.Equal(t, 2024, ts.Year())
		})
	}
}

func TestDecode_UnknownTypeRoundTrips(t *testing.T) {
	msg, err := Decode(`{"type":"heartbeat","data":{}}`)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, msg.Kind())
	assert.Equal(t, "heartbeat", msg.Type)
}

func TestDecode_NotJSON(t *testing.T) {
	lines := []string{
		"",
		"Simulation progress: 45%",
		"{not json}",
		`{"data":{}}`,
		`{"type":""}`,
		`["type","ready"]`,
		`{"type":"ready"`,
	}
	for _, line := range lines {
		_, err := Decode(line)
		assert.ErrorIs(t, err, ErrNotJSON, "line %q", line)
	}
}

func TestDecode_TrimsWhitespace(t *testing.T) {
	msg, err := Decode("  {\"type\":\"ready\"}\r\n")
	require.NoError(t, err)
	assert.Equal(t, KindReady, msg.Kind())
	assert.Equal(t, `{"type":"ready"}`, msg.Raw)
}

func TestDecode_LenientHeaderFields(t *testing.T) {
	msg, err := Decode(`{"type":"ready","timestamp":1700000000,"session_id":42,"data":{"status":"ready"}}`)
	require.NoError(t, err)
	assert.Equal(t, KindReady, msg.Kind())
	assert.Equal(t, "1700000000", msg.Timestamp)
	assert.Equal(t, "42", msg.SessionID)
	_, ok := msg.Time()
	assert.False(t, ok)

	d, err := Payload[ReadyData](msg)
	require.NoError(t, err)
	assert.Equal(t, "ready", d.Status)

	msg, err = Decode(`{"type":"busy","timestamp":null,"session_id":"s1"}`)
	require.NoError(t, err)
	assert.Empty(t, msg.Timestamp)
	assert.Equal(t, "s1", msg.SessionID)
}

func TestLooksLikeJSON(t *testing.T) {
	assert.True(t, LooksLikeJSON(` {"a":1} `))
	assert.False(t, LooksLikeJSON(`{"a":1`))
	assert.False(t, LooksLikeJSON(`plain text`))
}

func TestPayload_Progress(t *testing.T) {
	msg, err := Decode(`{"type":"progress","data":{"command":"run_simulation","progress":{"percent_complete":50,"current_step":"integrating"}}}`)
	require.NoError(t, err)

	p, err := Payload[ProgressData](msg)
	require.NoError(t, err)
	require.NotNil(t, p.Progress)
	assert.Equal(t, "run_simulation", p.Command)
	assert.InDelta(t, 50.0, p.Progress.PercentComplete, 0.001)
	assert.Equal(t, "integrating", p.Progress.CurrentStep)
}

func TestPayload_SchemaErrors(t *testing.T) {
	cases := map[string]string{
		"missing data":     `{"type":"progress"}`,
		"null data":        `{"type":"progress","data":null}`,
		"missing progress": `{"type":"progress","data":{"command":"x"}}`,
		"wrong shape":      `{"type":"progress","data":{"progress":"fifty"}}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode(line)
			require.NoError(t, err)

			_, err = Payload[ProgressData](msg)
			var schemaErr *SchemaError
			require.True(t, errors.As(err, &schemaErr))
			assert.Equal(t, "progress", schemaErr.Type)
		})
	}
}

func TestResultData_Outputs(t *testing.T) {
	msg, err := Decode(`{"type":"result","data":{"command":"run_simulation","result":{"outputs_generated":["node1.flow","node2.flow"]}}}`)
	require.NoError(t, err)

	r, err := Payload[ResultData](msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"node1.flow", "node2.flow"}, r.Outputs())

	assert.Nil(t, ResultData{}.Outputs())
}

func TestErrorData_TextAndRecoverable(t *testing.T) {
	no := false
	yes := true

	assert.Equal(t, "boom", ErrorData{Error: "boom", Message: "other"}.Text())
	assert.Equal(t, "other", ErrorData{Message: "other"}.Text())
	assert.Equal(t, "unknown error", ErrorData{}.Text())

	assert.False(t, ErrorData{Error: "boom"}.Recoverable())
	assert.True(t, ErrorData{Fatal: &no}.Recoverable())
	assert.False(t, ErrorData{Fatal: &yes, Reason: "recoverable"}.Recoverable())
	assert.True(t, ErrorData{Reason: "Recoverable"}.Recoverable())
	assert.False(t, ErrorData{Reason: "unrecoverable"}.Recoverable())
}

func TestEncodeCommand(t *testing.T) {
	line, err := EncodeCommand(CommandLoadModelFile, LoadModelFileParams("/tmp/model.ini"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(line, "\n"))
	assert.NotContains(t, line, "session_id")

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &raw))
	assert.Equal(t, "command", raw["type"])
	data := raw["data"].(map[string]any)
	assert.Equal(t, "load_model_file", data["command"])
	assert.Equal(t, "/tmp/model.ini", data["parameters"].(map[string]any)["model_path"])

	_, err = time.Parse(time.RFC3339Nano, raw["timestamp"].(string))
	assert.NoError(t, err)
}

func TestEncodeCommand_OmitsEmptyParameters(t *testing.T) {
	line, err := EncodeCommand(CommandRunSimulation, nil)
	require.NoError(t, err)
	assert.NotContains(t, line, "parameters")

	_, err = EncodeCommand("  ", nil)
	assert.Error(t, err)
}

func TestEncodeStop_DefaultReason(t *testing.T) {
	line, err := EncodeStop("")
	require.NoError(t, err)

	out, err := DecodeOutbound(line)
	require.NoError(t, err)
	assert.Equal(t, CommandKindStop, out.Type)

	var d StopData
	require.NoError(t, json.Unmarshal(out.Data, &d))
	assert.Equal(t, DefaultStopReason, d.Reason)
}

func TestEncodeTerminate_EmptyData(t *testing.T) {
	line, err := EncodeTerminate()
	require.NoError(t, err)
	assert.Contains(t, line, `"data":{}`)
	assert.Contains(t, line, `"type":"terminate"`)
}

func TestEncodeAt_RejectsUnknownKind(t *testing.T) {
	_, err := EncodeAt("launch", nil, time.Now())
	assert.ErrorIs(t, err, ErrUnknownCommandKind)
}

func TestEncodeAt_UsesTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	line, err := EncodeAt(CommandKindQuery, QueryData{QueryType: QueryGetState}, ts)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"query","timestamp":"2024-03-01T12:00:00Z","data":{"query_type":"get_state"}}`, line)
}
