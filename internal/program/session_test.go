package program

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalix-bridge/internal/protocol"
	"kalix-bridge/internal/session"
	"kalix-bridge/internal/session/sessiontest"
)

// scriptedEngine answers load and run commands the way the engine does:
// busy, then result, then ready.
func scriptedEngine(engineID string) *sessiontest.Fake {
	f := sessiontest.New()
	f.EmitMessage(protocol.KindReady, engineID, protocol.ReadyData{Status: "ready"})
	f.OnSend(func(f *sessiontest.Fake, out protocol.Outbound) {
		c, err := out.Command()
		if err != nil {
			return
		}
		f.EmitMessage(protocol.KindBusy, engineID, protocol.BusyData{ExecutingCommand: c.Command, Interruptible: true})
		switch c.Command {
		case protocol.CommandLoadModelString, protocol.CommandLoadModelFile:
			f.EmitMessage(protocol.KindResult, engineID, protocol.ResultData{Command: c.Command})
		case protocol.CommandRunSimulation:
			f.EmitMessage(protocol.KindProgress, engineID, protocol.ProgressData{
				Command:  c.Command,
				Progress: &protocol.ProgressInfo{PercentComplete: 50, CurrentStep: "integrating"},
			})
			f.EmitMessage(protocol.KindResult, engineID, map[string]any{
				"command": c.Command,
				"result":  map[string]any{"outputs_generated": []string{"node1.ds_1"}},
			})
		}
		f.EmitMessage(protocol.KindReady, engineID, protocol.ReadyData{Status: "ready"})
	})
	return f
}

func newManager(t *testing.T, f *sessiontest.Fake) *session.Manager {
	t.Helper()
	m := session.NewManager(
		session.WithPollInterval(5*time.Millisecond),
		session.WithTerminateGrace(50*time.Millisecond),
		session.WithLauncher(func(context.Context, string, []string, string) (session.Transport, error) {
			return f, nil
		}),
	)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestRunModelAgainstSession(t *testing.T) {
	f := scriptedEngine("engine-1")
	m := newManager(t, f)

	key, err := m.StartSession(context.Background(), "kalixcli", session.Config{Key: "s1"})
	require.NoError(t, err)

	col := &collector{}
	p := NewRunModel(m.Commander(key), col.options()...)
	require.NoError(t, m.AttachProgram(key, p))
	require.NoError(t, p.Start(ModelSource{INI: "[attributes]"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	assert.Equal(t, []string{"node1.ds_1"}, p.Outputs())
	assert.Eventually(t, func() bool {
		s, ok := m.GetSession(key)
		return ok && s.State == session.StateReady && s.Program == ""
	}, 2*time.Second, 5*time.Millisecond)

	var commands []string
	for _, out := range f.SentMessages() {
		if c, err := out.Command(); err == nil {
			commands = append(commands, c.Command)
		}
	}
	assert.Equal(t, []string{protocol.CommandLoadModelString, protocol.CommandRunSimulation}, commands)

	col.mu.Lock()
	defer col.mu.Unlock()
	require.NotEmpty(t, col.progress)
	assert.Equal(t, "Simulating: integrating", col.progress[0].Description)
}

func TestProgramAbortedWhenEngineExits(t *testing.T) {
	f := sessiontest.New()
	f.EmitMessage(protocol.KindReady, "engine-1", protocol.ReadyData{})
	m := newManager(t, f)

	key, err := m.StartSession(context.Background(), "kalixcli", session.Config{Key: "s1"})
	require.NoError(t, err)

	p := NewRunModel(m.Commander(key))
	require.NoError(t, m.AttachProgram(key, p))
	require.NoError(t, p.Start(ModelSource{Path: "model.ini"}))

	f.Exit()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), ErrAborted)
}

func TestSecondProgramRejectedWhileActive(t *testing.T) {
	f := sessiontest.New()
	f.EmitMessage(protocol.KindReady, "engine-1", protocol.ReadyData{})
	m := newManager(t, f)

	key, err := m.StartSession(context.Background(), "kalixcli", session.Config{Key: "s1"})
	require.NoError(t, err)

	require.NoError(t, m.AttachProgram(key, NewRunModel(m.Commander(key))))
	assert.ErrorIs(t, m.AttachProgram(key, NewOptimisation(m.Commander(key), nil)), session.ErrProgramActive)
}
