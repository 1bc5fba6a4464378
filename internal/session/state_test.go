package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kalix-bridge/internal/protocol"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from        State
		kind        protocol.Kind
		recoverable bool
		want        State
	}{
		{StateStarting, protocol.KindReady, false, StateReady},
		{StateReady, protocol.KindBusy, false, StateBusy},
		{StateBusy, protocol.KindProgress, false, StateBusy},
		{StateBusy, protocol.KindResult, false, StateReady},
		{StateBusy, protocol.KindStopped, false, StateReady},
		{StateReady, protocol.KindResult, false, StateReady},
		{StateStarting, protocol.KindResult, false, StateStarting},
		{StateStarting, protocol.KindBusy, false, StateStarting},
		{StateBusy, protocol.KindReady, false, StateReady},
		{StateReady, protocol.KindError, false, StateError},
		{StateBusy, protocol.KindError, false, StateError},
		{StateStarting, protocol.KindError, false, StateError},
		{StateBusy, protocol.KindError, true, StateBusy},
		{StateReady, protocol.KindLog, false, StateReady},
		{StateBusy, protocol.KindUnknown, false, StateBusy},
		{StateError, protocol.KindReady, false, StateError},
		{StateTerminated, protocol.KindReady, false, StateTerminated},
		{StateTerminated, protocol.KindError, false, StateTerminated},
	}
	for _, tc := range cases {
		got := transition(tc.from, tc.kind, tc.recoverable)
		assert.Equal(t, tc.want, got, "%s + %s (recoverable=%v)", tc.from, tc.kind, tc.recoverable)
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateError.Terminal())
	assert.True(t, StateTerminated.Terminal())
	assert.False(t, StateStarting.Terminal())
	assert.True(t, StateBusy.Active())
}

func TestIsFatalStderr(t *testing.T) {
	fatal := []string{
		"FATAL: out of memory",
		"Critical failure in solver",
		"java.lang.NullPointerException",
		"error: cannot open model.ini",
		"Failed to parse node 12",
		"Error code 42",
	}
	for _, line := range fatal {
		assert.True(t, IsFatalStderr(line), line)
	}

	benign := []string{
		"warming caches",
		"loaded 12 nodes",
		"no errors found",
	}
	for _, line := range benign {
		assert.False(t, IsFatalStderr(line), line)
	}
}

func TestDescribe(t *testing.T) {
	msg := func(line string) protocol.Message {
		m, err := protocol.Decode(line)
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	assert.Equal(t, "Ready - idle", describe(msg(`{"type":"ready","data":{"status":"idle"}}`)))
	assert.Equal(t, "Busy executing: run_simulation", describe(msg(`{"type":"busy","data":{"executing_command":"run_simulation"}}`)))
	assert.Equal(t, "Progress: 12.5% - step", describe(msg(`{"type":"progress","data":{"progress":{"percent_complete":12.5,"current_step":"step"}}}`)))
	assert.Equal(t, "Command completed successfully", describe(msg(`{"type":"result","data":{}}`)))
	assert.Equal(t, "Command was stopped", describe(msg(`{"type":"stopped","data":{}}`)))
	assert.Equal(t, "Error: bad", describe(msg(`{"type":"error","data":{"error":"bad"}}`)))
	assert.Equal(t, "Error occurred", describe(msg(`{"type":"error"}`)))
	assert.Equal(t, "Log message received", describe(msg(`{"type":"log","data":{"message":"x"}}`)))
}

func TestPreview(t *testing.T) {
	short := "[model]"
	assert.Equal(t, short, preview(short))

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	got := preview(string(long))
	assert.Len(t, got, 103)
}
