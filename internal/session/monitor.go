package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"kalix-bridge/internal/commlog"
	"kalix-bridge/internal/progress"
	"kalix-bridge/internal/protocol"
)

// fatalStderr flags plain stderr text that indicates the engine is broken.
// The last alternative, "error" followed anywhere by a digit, also matches
// benign lines; structured error messages are preferred when present.
var fatalStderr = regexp.MustCompile(`(?i)fatal|critical|exception|error:|failed to|error.*\d`)

// IsFatalStderr reports whether a non-JSON stderr line marks a fatal error.
func IsFatalStderr(line string) bool {
	return fatalStderr.MatchString(line)
}

// startMonitoring runs one polling loop per output stream and finishes the
// session once both streams are exhausted or the session is halted.
func (m *Manager) startMonitoring(s *session) {
	s.loops.Add(2)
	go m.monitor(s, commlog.Stdout, s.transport.StdoutReady, s.transport.ReadStdoutLine)
	go m.monitor(s, commlog.Stderr, s.transport.StderrReady, s.transport.ReadStderrLine)
	go func() {
		s.loops.Wait()
		m.finish(s)
	}()
}

func (m *Manager) monitor(s *session, ch commlog.Channel, ready func() bool, read func() (string, error)) {
	defer s.loops.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		for ready() {
			line, err := read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					m.logger.Warn("reading engine stream", "session", s.key, "stream", ch, "error", err)
				}
				return
			}
			m.handleLine(s, ch, line)

			select {
			case <-s.stop:
				return
			default:
			}
		}
		if !s.transport.IsRunning() && !ready() {
			return
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// finish records the end of the engine process.
func (m *Manager) finish(s *session) {
	s.signalStarted(fmt.Errorf("%w before becoming ready", ErrEngineExited))

	if err := s.transport.Terminate(true); err != nil {
		m.logger.Debug("releasing engine", "session", s.key, "error", err)
	}
	c := s.force(StateTerminated, "Process terminated", m.now(), false)
	if c.changed() {
		s.log.Internal("Engine process terminated")
		m.logger.Info("engine exited", "session", s.key, "previous_state", c.old)
	}
	m.publish(s, c)

	s.mu.Lock()
	p := s.program
	s.program = nil
	s.mu.Unlock()
	if p != nil && p.Active() {
		m.safely("program abort", func() { p.Abort("engine process terminated") })
	}

	close(s.exited)
}

// handleLine logs and dispatches one output line.
func (m *Manager) handleLine(s *session, ch commlog.Channel, line string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic handling engine line", "session", s.key, "stream", ch, "panic", r)
		}
	}()

	s.log.Received(ch, line)
	if strings.TrimSpace(line) == "" {
		return
	}

	msg, err := protocol.Decode(line)
	if err == nil {
		m.dispatch(s, msg)
		return
	}

	if ch == commlog.Stderr {
		if IsFatalStderr(line) {
			text := "Critical error: " + strings.TrimSpace(line)
			c := s.force(StateError, text, m.now(), false)
			if c.changed() {
				m.logger.Error("fatal engine stderr", "session", s.key, "line", line)
			}
			m.publish(s, c)
			return
		}
		m.status(fmt.Sprintf("Session %s stderr: %s", s.key, line))
	}

	if info, ok := progress.Parse(line); ok {
		s.setProgress(info)
		m.progress(s, info)
	}
}

// dispatch applies a decoded message: state update, waiters and raw
// callbacks, then the active program, then generic handling unless the
// program consumed it.
func (m *Manager) dispatch(s *session, msg protocol.Message) {
	prog := s.activeProgram()
	recoverable := m.recoverable(msg, prog)

	m.publish(s, s.apply(msg, recoverable, m.now()))
	s.notifyWaiters(msg)
	m.forward(s, msg)

	if prog != nil && m.offer(s, prog, msg) {
		return
	}
	m.handleGeneric(s, msg, recoverable)
}

func (m *Manager) handleGeneric(s *session, msg protocol.Message, recoverable bool) {
	switch msg.Kind() {
	case protocol.KindProgress:
		d, err := protocol.Payload[protocol.ProgressData](msg)
		if err != nil {
			m.logger.Warn("malformed progress message", "session", s.key, "error", err)
			return
		}
		m.progress(s, progress.FromStructured(d.Progress.PercentComplete, d.Progress.CurrentStep))

	case protocol.KindLog:
		d, err := protocol.Payload[protocol.LogData](msg)
		if err != nil {
			m.logger.Warn("malformed log message", "session", s.key, "error", err)
			return
		}
		m.logger.Log(context.Background(), engineLevel(d.Level), "engine log", "session", s.key, "message", d.Message)
		m.status(fmt.Sprintf("Session %s log: %s", s.key, d.Message))

	case protocol.KindError:
		text := "unknown error"
		if d, err := protocol.Payload[protocol.ErrorData](msg); err == nil {
			text = d.Text()
		}
		if recoverable {
			m.logger.Warn("recoverable engine error", "session", s.key, "error", text)
			m.status(fmt.Sprintf("Session %s warning: %s", s.key, text))
			return
		}
		m.logger.Error("engine error", "session", s.key, "error", text)
		m.status(fmt.Sprintf("Session %s error: %s", s.key, text))

	case protocol.KindUnknown:
		m.logger.Debug("unrecognised engine message", "session", s.key, "type", msg.Type)
	}
}

func (m *Manager) progress(s *session, info progress.Info) {
	if s.cfg.OnProgress != nil {
		m.safely("session progress", func() { s.cfg.OnProgress(info) })
	}
	if m.callbacks.OnProgress != nil {
		m.safely("progress", func() { m.callbacks.OnProgress(s.key, info) })
	}
}

func (m *Manager) forward(s *session, msg protocol.Message) {
	if s.cfg.OnMessage != nil {
		m.safely("session message", func() { s.cfg.OnMessage(msg) })
	}
	if m.callbacks.OnMessage != nil {
		m.safely("message", func() { m.callbacks.OnMessage(s.key, msg) })
	}
}

func engineLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
