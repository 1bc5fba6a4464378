package session

import (
	"context"
	"fmt"

	"kalix-bridge/internal/protocol"
)

const logPreviewLen = 100

// SendCommand sends a command to a READY session and moves it to BUSY.
func (m *Manager) SendCommand(key, name string, params map[string]any) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	line, err := protocol.EncodeCommand(name, params)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	c, err := s.beginCommand(name, m.now())
	if err != nil {
		s.sendMu.Unlock()
		return err
	}
	s.log.Sent(line)
	werr := s.transport.SendLine(line)
	s.sendMu.Unlock()

	m.publish(s, c)
	if werr != nil {
		return m.writeFailed(s, "send command "+name, werr)
	}
	m.logger.Debug("command sent", "session", key, "command", name)
	return nil
}

// SendQuery sends a query to an active session. Queries do not change state.
func (m *Manager) SendQuery(key, queryType string, params map[string]any) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	line, err := protocol.EncodeQuery(queryType, params)
	if err != nil {
		return err
	}
	if err := m.deliver(s, "send query", line, nil); err != nil {
		return err
	}
	m.logger.Debug("query sent", "session", key, "query", queryType)
	return nil
}

// StopOperation asks the engine to interrupt the running command. It is
// refused, without writing anything, unless the session is BUSY with an
// interruptible command.
func (m *Manager) StopOperation(key, reason string) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	line, err := protocol.EncodeStop(reason)
	if err != nil {
		return err
	}
	return m.deliver(s, "stop operation", line, func() error {
		if s.state != StateBusy {
			return &OpError{Key: key, State: s.state, Op: "stop operation", Err: ErrNotBusy}
		}
		if !s.interruptible {
			return &OpError{Key: key, State: s.state, Op: "stop operation", Err: ErrNotInterruptible}
		}
		return nil
	})
}

// deliver writes line to an active session. check runs with the session
// locked and may refuse the write.
func (m *Manager) deliver(s *session, op, line string, check func() error) error {
	s.sendMu.Lock()

	s.mu.Lock()
	st := s.state
	var err error
	if !st.Active() {
		err = &OpError{Key: s.key, State: st, Op: op, Err: ErrSessionNotActive}
	} else if check != nil {
		err = check()
	}
	s.mu.Unlock()
	if err != nil {
		s.sendMu.Unlock()
		return err
	}

	s.log.Sent(line)
	werr := s.transport.SendLine(line)
	s.sendMu.Unlock()

	if werr != nil {
		return m.writeFailed(s, op, werr)
	}
	return nil
}

// writeFailed moves the session to ERROR after a failed write.
func (m *Manager) writeFailed(s *session, op string, err error) error {
	text := fmt.Sprintf("Failed to %s: %v", op, err)
	s.log.Internal(text)
	m.logger.Error("engine write failed", "session", s.key, "op", op, "error", err)
	m.publish(s, s.force(StateError, text, m.now(), false))
	return fmt.Errorf("session %s: %s: %w", s.key, op, err)
}

// LoadModelFile loads a model from a path readable by the engine.
func (m *Manager) LoadModelFile(key, path string) error {
	m.logger.Info("loading model file", "session", key, "path", path)
	return m.SendCommand(key, protocol.CommandLoadModelFile, protocol.LoadModelFileParams(path))
}

// LoadModelString loads a model from INI text.
func (m *Manager) LoadModelString(key, ini string) error {
	m.logger.Info("loading model string", "session", key, "model", preview(ini))
	return m.SendCommand(key, protocol.CommandLoadModelString, protocol.LoadModelStringParams(ini))
}

// RunSimulation runs the loaded model.
func (m *Manager) RunSimulation(key string) error {
	return m.SendCommand(key, protocol.CommandRunSimulation, nil)
}

// QueryState asks the engine for its current state.
func (m *Manager) QueryState(key string) error {
	return m.SendQuery(key, protocol.QueryGetState, nil)
}

// QueryVersion asks the engine for its version.
func (m *Manager) QueryVersion(key string) error {
	return m.SendQuery(key, protocol.QueryGetVersion, nil)
}

// WaitForMessage blocks until the session receives a message of kind, the
// session's engine exits, or ctx is done.
func (m *Manager) WaitForMessage(ctx context.Context, key string, kind protocol.Kind) (protocol.Message, error) {
	s, err := m.lookup(key)
	if err != nil {
		return protocol.Message{}, err
	}
	ch, cancel := s.addWaiter(kind)
	defer cancel()

	select {
	case msg := <-ch:
		return msg, nil
	case <-s.exited:
		select {
		case msg := <-ch:
			return msg, nil
		default:
		}
		return protocol.Message{}, &OpError{Key: key, State: s.currentState(), Op: "wait for " + string(kind), Err: ErrEngineExited}
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= logPreviewLen {
		return s
	}
	return string(r[:logPreviewLen]) + "..."
}
