package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kalix-bridge/internal/commlog"
	"kalix-bridge/internal/progress"
	"kalix-bridge/internal/protocol"
	"kalix-bridge/internal/transport"
)

const (
	defaultReadyTimeout   = 30 * time.Second
	defaultTerminateGrace = time.Second
	defaultPollInterval   = 50 * time.Millisecond
)

// DefaultSubcommand is passed to the engine before any extra arguments.
var DefaultSubcommand = []string{"session", "stdio"}

// Transport is the byte-level link to one engine process.
type Transport interface {
	SendLine(text string) error
	StdoutReady() bool
	StderrReady() bool
	ReadStdoutLine() (string, error)
	ReadStderrLine() (string, error)
	IsRunning() bool
	Terminate(force bool) error
}

// Launcher starts an engine process.
type Launcher func(ctx context.Context, path string, args []string, dir string) (Transport, error)

// ProcessLauncher launches real child processes.
func ProcessLauncher(logger *slog.Logger) Launcher {
	return func(ctx context.Context, path string, args []string, dir string) (Transport, error) {
		p, err := transport.Start(ctx, path, args, transport.Options{Dir: dir, Logger: logger})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Callbacks receive manager notifications. Nil fields are ignored. A
// panicking callback is logged and does not affect the session.
type Callbacks struct {
	OnStatus   func(text string)
	OnEvent    func(Event)
	OnProgress func(key string, info progress.Info)
	OnMessage  func(key string, msg protocol.Message)
}

// Manager owns every engine session and the tasks that monitor them.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	launch         Launcher
	callbacks      Callbacks
	logger         *slog.Logger
	subcommand     []string
	readyTimeout   time.Duration
	terminateGrace time.Duration
	pollInterval   time.Duration
	maxSessions    int
	now            func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option { return func(m *Manager) { m.launch = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithCallbacks sets the notification callbacks.
func WithCallbacks(c Callbacks) Option { return func(m *Manager) { m.callbacks = c } }

// WithReadyTimeout bounds how long StartSession waits for the first ready.
func WithReadyTimeout(d time.Duration) Option { return func(m *Manager) { m.readyTimeout = d } }

// WithTerminateGrace sets how long a terminated engine may take to exit
// before it is killed.
func WithTerminateGrace(d time.Duration) Option { return func(m *Manager) { m.terminateGrace = d } }

// WithPollInterval sets how often the monitors poll idle streams.
func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollInterval = d } }

// WithMaxSessions limits concurrently active sessions. Zero means no limit.
func WithMaxSessions(n int) Option { return func(m *Manager) { m.maxSessions = n } }

// WithSubcommand replaces DefaultSubcommand.
func WithSubcommand(args ...string) Option { return func(m *Manager) { m.subcommand = args } }

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[string]*session),
		logger:         slog.Default(),
		subcommand:     DefaultSubcommand,
		readyTimeout:   defaultReadyTimeout,
		terminateGrace: defaultTerminateGrace,
		pollInterval:   defaultPollInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.launch == nil {
		m.launch = ProcessLauncher(m.logger)
	}
	return m
}

// StartSession launches an engine and blocks until it reports ready, the
// ready timeout elapses, or ctx is done. On failure no session remains
// registered under the key and the child is killed.
func (m *Manager) StartSession(ctx context.Context, enginePath string, cfg Config) (string, error) {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = uuid.New().String()
	}

	m.mu.RLock()
	err := m.checkCapacityLocked(key)
	m.mu.RUnlock()
	if err != nil {
		return "", err
	}

	args := append(append([]string{}, m.subcommand...), cfg.Args...)
	tr, err := m.launch(ctx, enginePath, args, cfg.WorkDir)
	if err != nil {
		m.status(fmt.Sprintf("Failed to start session %s: %v", key, err))
		return "", fmt.Errorf("session %s: start engine: %w", key, err)
	}

	s := newSession(key, tr, cfg, m.now())
	m.mu.Lock()
	if err := m.checkCapacityLocked(key); err != nil {
		m.mu.Unlock()
		_ = tr.Terminate(true)
		return "", err
	}
	m.sessions[key] = s
	m.mu.Unlock()

	s.log.Internal(fmt.Sprintf("Launching engine: %s %s", enginePath, strings.Join(args, " ")))
	m.logger.Info("session starting", "session", key, "path", enginePath, "args", args)
	m.startMonitoring(s)

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = m.readyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-s.started:
		if err != nil {
			m.discard(s, err.Error())
			return "", fmt.Errorf("session %s: %w", key, err)
		}
	case <-timer.C:
		m.discard(s, fmt.Sprintf("No ready message within %s", timeout))
		return "", fmt.Errorf("session %s: %w after %s", key, ErrStartTimeout, timeout)
	case <-ctx.Done():
		m.discard(s, "Start cancelled")
		return "", fmt.Errorf("session %s: %w", key, ctx.Err())
	}

	snap := s.snapshot()
	m.logger.Info("session ready", "session", key, "engine_session", snap.EngineSessionID)
	m.status(fmt.Sprintf("Started session: %s (engine: %s)", key, snap.EngineSessionID))
	return key, nil
}

func (m *Manager) checkCapacityLocked(key string) error {
	if m.closed {
		return ErrShutdown
	}
	if _, ok := m.sessions[key]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, key)
	}
	if m.maxSessions <= 0 {
		return nil
	}
	active := 0
	for _, s := range m.sessions {
		if s.currentState().Active() {
			active++
		}
	}
	if active >= m.maxSessions {
		return fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}
	return nil
}

// discard tears down a session that failed to start.
func (m *Manager) discard(s *session, reason string) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()

	s.force(StateTerminated, "Start failed: "+reason, m.now(), true)
	s.log.Internal("Start failed: " + reason)
	s.halt()
	if err := s.transport.Terminate(true); err != nil {
		m.logger.Warn("killing engine after failed start", "session", s.key, "error", err)
	}
	s.log.Close()

	m.logger.Warn("session start failed", "session", s.key, "reason", reason)
	m.status(fmt.Sprintf("Failed to start session %s: %s", s.key, reason))
}

func (m *Manager) lookup(key string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s, nil
}

// GetSession returns a snapshot of the session.
func (m *Manager) GetSession(key string) (Session, bool) {
	s, err := m.lookup(key)
	if err != nil {
		return Session{}, false
	}
	return s.snapshot(), true
}

// ActiveSessions returns a snapshot of every registered session by key,
// including terminated ones not yet removed.
func (m *Manager) ActiveSessions() map[string]Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Session, len(m.sessions))
	for key, s := range m.sessions {
		out[key] = s.snapshot()
	}
	return out
}

// List returns every registered session ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Log returns the communication log of the session.
func (m *Manager) Log(key string) (*commlog.Log, error) {
	s, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return s.log, nil
}

// RemoveSession forgets a session in ERROR or TERMINATED. Active sessions
// are refused so that a running child is never orphaned.
func (m *Manager) RemoveSession(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if st := s.currentState(); st.Active() {
		m.mu.Unlock()
		return &OpError{Key: key, State: st, Op: "remove", Err: ErrSessionStillActive}
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	s.halt()
	if err := s.transport.Terminate(true); err != nil {
		m.logger.Warn("releasing engine of removed session", "session", key, "error", err)
	}
	s.log.Close()

	m.logger.Info("session removed", "session", key)
	m.status("Removed session: " + key)
	return nil
}

// TerminateSession asks the engine to exit, kills it after the grace
// period, and marks the session TERMINATED. Unknown keys are ignored.
// Cancelling ctx skips the rest of the grace period.
func (m *Manager) TerminateSession(ctx context.Context, key string) {
	s, err := m.lookup(key)
	if err != nil {
		return
	}

	c := s.force(StateTerminated, "Session terminated by user", m.now(), true)

	if s.transport.IsRunning() {
		if line, err := protocol.EncodeTerminate(); err == nil {
			s.sendMu.Lock()
			s.log.Sent(line)
			if err := s.transport.SendLine(line); err != nil {
				s.log.Internal("Terminate message not delivered: " + err.Error())
			}
			s.sendMu.Unlock()
		}
		m.awaitExit(ctx, s.transport)
	}
	if s.transport.IsRunning() {
		s.log.Internal("Engine did not exit within grace period, killing")
		m.logger.Warn("engine ignored terminate, killing", "session", key)
	}
	if err := s.transport.Terminate(true); err != nil {
		m.logger.Warn("killing engine", "session", key, "error", err)
	}
	s.halt()

	m.publish(s, c)
	m.logger.Info("session terminated", "session", key)
	m.status("Terminated session: " + key)
}

// awaitExit polls until the engine exits, the grace period elapses, or
// ctx is done.
func (m *Manager) awaitExit(ctx context.Context, tr Transport) {
	deadline := time.NewTimer(m.terminateGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for tr.IsRunning() {
		select {
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown terminates every session in parallel and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			m.TerminateSession(ctx, key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	for key, s := range m.sessions {
		s.log.Close()
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	m.logger.Info("session manager shut down", "sessions", len(keys))
	return ctx.Err()
}

func (m *Manager) status(text string) {
	if m.callbacks.OnStatus == nil {
		return
	}
	m.safely("status", func() { m.callbacks.OnStatus(text) })
}

// publish emits the event for c and releases a StartSession waiting on
// the first transition out of STARTING.
func (m *Manager) publish(s *session, c change) {
	if !c.changed() {
		return
	}
	m.emit(c.event(s.key))
	if c.old != StateStarting {
		return
	}
	switch {
	case c.new == StateReady:
		s.signalStarted(nil)
	case c.new.Terminal():
		s.signalStarted(fmt.Errorf("%w: %s", ErrStartFailed, c.text))
	}
}

func (m *Manager) emit(ev Event) {
	m.logger.Debug("session state changed", "session", ev.SessionKey, "from", ev.OldState, "to", ev.NewState, "message", ev.Message)
	if m.callbacks.OnEvent == nil {
		return
	}
	m.safely("event", func() { m.callbacks.OnEvent(ev) })
}

// safely runs a callback, logging instead of propagating a panic.
func (m *Manager) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}
