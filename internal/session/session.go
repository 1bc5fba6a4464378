package session

import (
	"fmt"
	"sync"
	"time"

	"kalix-bridge/internal/commlog"
	"kalix-bridge/internal/progress"
	"kalix-bridge/internal/protocol"
)

// Session is a point-in-time view of one engine session.
type Session struct {
	Key             string              `json:"key"`
	EngineSessionID string              `json:"engineSessionId,omitempty"`
	State           State               `json:"state"`
	CreatedAt       time.Time           `json:"createdAt"`
	LastActivity    time.Time           `json:"lastActivity"`
	LastMessage     string              `json:"lastMessage"`
	CurrentCommand  string              `json:"currentCommand,omitempty"`
	Interruptible   bool                `json:"interruptible"`
	Program         string              `json:"program,omitempty"`
	ProgramState    string              `json:"programState,omitempty"`
	Capabilities    *protocol.ReadyData `json:"capabilities,omitempty"`
	Progress        *progress.Info      `json:"progress,omitempty"`
}

// Event is one state change of a session.
type Event struct {
	SessionKey      string    `json:"sessionKey"`
	EngineSessionID string    `json:"engineSessionId,omitempty"`
	OldState        State     `json:"oldState"`
	NewState        State     `json:"newState"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`

	// Origin is the inbound message that caused the change, if any.
	Origin *protocol.Message `json:"-"`
}

// Config tunes one StartSession call.
type Config struct {
	// Key names the session. Empty generates a UUID.
	Key string
	// Args are appended after the engine's session subcommand.
	Args []string
	// WorkDir is the engine's working directory.
	WorkDir string
	// ReadyTimeout overrides the manager's ready timeout when positive.
	ReadyTimeout time.Duration

	OnMessage  func(protocol.Message)
	OnProgress func(progress.Info)
}

// session is the manager's record of one engine child.
type session struct {
	key       string
	transport Transport
	log       *commlog.Log
	cfg       Config
	createdAt time.Time

	mu             sync.Mutex
	state          State
	engineID       string
	lastMessage    string
	lastActivity   time.Time
	currentCommand string
	interruptible  bool
	capabilities   *protocol.ReadyData
	lastProgress   *progress.Info
	program        Program

	// sendMu orders writes to the engine with their log entries.
	sendMu sync.Mutex

	started   chan error
	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	exited    chan struct{}
	loops     sync.WaitGroup

	waitMu     sync.Mutex
	waiters    map[int]*waiter
	nextWaiter int
}

type waiter struct {
	kind protocol.Kind
	ch   chan protocol.Message
}

func newSession(key string, tr Transport, cfg Config, now time.Time) *session {
	return &session{
		key:          key,
		transport:    tr,
		log:          commlog.New(key),
		cfg:          cfg,
		createdAt:    now,
		state:        StateStarting,
		lastMessage:  "Starting engine",
		lastActivity: now,
		started:      make(chan error, 1),
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
		waiters:      make(map[int]*waiter),
	}
}

// change is the outcome of one state update.
type change struct {
	old, new State
	text     string
	engineID string
	at       time.Time
	origin   *protocol.Message
}

func (c change) changed() bool { return c.old != c.new }

func (c change) event(key string) Event {
	return Event{
		SessionKey:      key,
		EngineSessionID: c.engineID,
		OldState:        c.old,
		NewState:        c.new,
		Message:         c.text,
		Timestamp:       c.at,
		Origin:          c.origin,
	}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Session{
		Key:             s.key,
		EngineSessionID: s.engineID,
		State:           s.state,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		LastMessage:     s.lastMessage,
		CurrentCommand:  s.currentCommand,
		Interruptible:   s.interruptible,
		Capabilities:    s.capabilities,
		Progress:        s.lastProgress,
	}
	if s.program != nil {
		out.Program = s.program.Name()
		out.ProgramState = s.program.State()
	}
	return out
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// apply folds an inbound message into the session record.
func (s *session) apply(msg protocol.Message, recoverable bool, now time.Time) change {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engineID == "" && msg.SessionID != "" {
		s.engineID = msg.SessionID
	}
	s.lastActivity = now

	kind := msg.Kind()
	switch kind {
	case protocol.KindReady:
		if d, err := protocol.Payload[protocol.ReadyData](msg); err == nil {
			s.capabilities = &d
		}
		s.currentCommand = ""
		s.interruptible = false
	case protocol.KindBusy:
		if d, err := protocol.Payload[protocol.BusyData](msg); err == nil {
			s.currentCommand = d.ExecutingCommand
			s.interruptible = d.Interruptible
		}
	case protocol.KindProgress:
		if d, err := protocol.Payload[protocol.ProgressData](msg); err == nil {
			info := progress.FromStructured(d.Progress.PercentComplete, d.Progress.CurrentStep)
			s.lastProgress = &info
		}
	case protocol.KindResult, protocol.KindStopped:
		s.interruptible = false
	}

	c := change{
		old:      s.state,
		text:     describe(msg),
		engineID: s.engineID,
		at:       now,
		origin:   &msg,
	}
	s.lastMessage = c.text
	s.state = transition(s.state, kind, recoverable)
	c.new = s.state
	return c
}

// force moves the session to state unless it is already there. Terminal
// states are only left for TERMINATED when allowTerminal is set.
func (s *session) force(state State, text string, now time.Time, allowTerminal bool) change {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := change{old: s.state, new: s.state, text: text, engineID: s.engineID, at: now}
	if s.state == state || (s.state.Terminal() && !allowTerminal) {
		return c
	}
	s.state = state
	s.lastMessage = text
	s.lastActivity = now
	if state.Terminal() {
		s.currentCommand = ""
		s.interruptible = false
	}
	c.new = state
	return c
}

// beginCommand moves a READY session to BUSY for an outgoing command.
func (s *session) beginCommand(name string, now time.Time) (change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active() {
		return change{}, &OpError{Key: s.key, State: s.state, Op: "send command", Err: ErrSessionNotActive}
	}
	if s.state != StateReady {
		return change{}, &OpError{Key: s.key, State: s.state, Op: "send command", Err: ErrSessionNotReady}
	}
	c := change{old: s.state, new: StateBusy, text: "Executing command: " + name, engineID: s.engineID, at: now}
	s.state = StateBusy
	s.currentCommand = name
	s.interruptible = false
	s.lastMessage = c.text
	s.lastActivity = now
	return c, nil
}

func (s *session) setProgress(info progress.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProgress = &info
}

func (s *session) activeProgram() Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.program == nil || !s.program.Active() {
		return nil
	}
	return s.program
}

// detachProgram clears p if it is still the attached program.
func (s *session) detachProgram(p Program) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.program != p {
		return false
	}
	s.program = nil
	return true
}

func (s *session) signalStarted(err error) {
	s.startOnce.Do(func() {
		s.started <- err
	})
}

// halt stops the monitoring loops. Safe to call more than once.
func (s *session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) addWaiter(kind protocol.Kind) (<-chan protocol.Message, func()) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	id := s.nextWaiter
	s.nextWaiter++
	w := &waiter{kind: kind, ch: make(chan protocol.Message, 1)}
	s.waiters[id] = w
	return w.ch, func() {
		s.waitMu.Lock()
		delete(s.waiters, id)
		s.waitMu.Unlock()
	}
}

// notifyWaiters hands msg to every waiter registered for its kind. Each
// waiter receives at most one message.
func (s *session) notifyWaiters(msg protocol.Message) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	kind := msg.Kind()
	for id, w := range s.waiters {
		if w.kind != kind {
			continue
		}
		select {
		case w.ch <- msg:
		default:
		}
		delete(s.waiters, id)
	}
}

// describe renders the human-readable summary stored as LastMessage.
func describe(msg protocol.Message) string {
	switch msg.Kind() {
	case protocol.KindReady:
		status := "ready"
		if d, err := protocol.Payload[protocol.ReadyData](msg); err == nil && d.Status != "" {
			status = d.Status
		}
		return "Ready - " + status
	case protocol.KindBusy:
		if d, err := protocol.Payload[protocol.BusyData](msg); err == nil && d.ExecutingCommand != "" {
			return "Busy executing: " + d.ExecutingCommand
		}
		return "Busy"
	case protocol.KindProgress:
		if d, err := protocol.Payload[protocol.ProgressData](msg); err == nil {
			return fmt.Sprintf("Progress: %.1f%% - %s", d.Progress.PercentComplete, d.Progress.CurrentStep)
		}
		return "Progress update"
	case protocol.KindResult:
		return "Command completed successfully"
	case protocol.KindStopped:
		return "Command was stopped"
	case protocol.KindError:
		if d, err := protocol.Payload[protocol.ErrorData](msg); err == nil {
			return "Error: " + d.Text()
		}
		return "Error occurred"
	case protocol.KindLog:
		return "Log message received"
	default:
		return "Unknown message type: " + msg.Type
	}
}
