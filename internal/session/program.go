package session

import (
	"fmt"

	"kalix-bridge/internal/protocol"
)

// Program is a multi-step workflow driven by a session's inbound messages.
// At most one active program is attached to a session at a time.
type Program interface {
	Name() string
	// State describes the program's current step.
	State() string
	Active() bool
	// HandleMessage offers an inbound message. Returning true consumes it
	// and skips the manager's generic handling.
	HandleMessage(msg protocol.Message) bool
	// Abort fails the program, for example when the engine exits.
	Abort(reason string)
}

// ErrorClassifier is implemented by programs that treat some engine errors
// as recoverable in their current step.
type ErrorClassifier interface {
	RecoverableError(msg protocol.Message) bool
}

// AttachProgram makes p the session's program. It fails when another
// program is still active.
func (m *Manager) AttachProgram(key string, p Program) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.state.Active() {
		st := s.state
		s.mu.Unlock()
		return &OpError{Key: key, State: st, Op: "attach program", Err: ErrSessionNotActive}
	}
	if s.program != nil && s.program.Active() {
		name := s.program.Name()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s on session %s", ErrProgramActive, name, key)
	}
	s.program = p
	s.mu.Unlock()

	s.log.Internal("Program attached: " + p.Name())
	m.logger.Info("program attached", "session", key, "program", p.Name())
	return nil
}

// DetachProgram aborts and removes the session's program, if any.
func (m *Manager) DetachProgram(key string) {
	s, err := m.lookup(key)
	if err != nil {
		return
	}
	s.mu.Lock()
	p := s.program
	s.program = nil
	s.mu.Unlock()

	if p != nil && p.Active() {
		m.safely("program abort", func() { p.Abort("detached") })
	}
}

// Commander returns a handle programs use to send commands to one session.
func (m *Manager) Commander(key string) *Commander {
	return &Commander{m: m, key: key}
}

// Commander sends commands and queries to a single session.
type Commander struct {
	m   *Manager
	key string
}

// SessionKey returns the session the commander is bound to.
func (c *Commander) SessionKey() string { return c.key }

// SendCommand sends a command to the bound session.
func (c *Commander) SendCommand(name string, params map[string]any) error {
	return c.m.SendCommand(c.key, name, params)
}

// SendQuery sends a query to the bound session.
func (c *Commander) SendQuery(queryType string, params map[string]any) error {
	return c.m.SendQuery(c.key, queryType, params)
}

// offer hands msg to the program and detaches it once it finishes.
func (m *Manager) offer(s *session, p Program, msg protocol.Message) bool {
	consumed := false
	m.safely("program", func() { consumed = p.HandleMessage(msg) })

	if !p.Active() && s.detachProgram(p) {
		s.log.Internal(fmt.Sprintf("Program finished: %s (%s)", p.Name(), p.State()))
		m.logger.Info("program finished", "session", s.key, "program", p.Name(), "state", p.State())
	}
	return consumed
}

func (m *Manager) recoverable(msg protocol.Message, p Program) bool {
	if msg.Kind() != protocol.KindError {
		return false
	}
	if d, err := protocol.Payload[protocol.ErrorData](msg); err == nil && d.Recoverable() {
		return true
	}
	c, ok := p.(ErrorClassifier)
	if !ok {
		return false
	}
	recoverable := false
	m.safely("program classifier", func() { recoverable = c.RecoverableError(msg) })
	return recoverable
}
