// Package realtime exposes the session manager to GUI clients over a
// WebSocket event stream and a REST API.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kalix-bridge/internal/program"
	"kalix-bridge/internal/progress"
	"kalix-bridge/internal/session"
	"kalix-bridge/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	// logHistory is how many earlier log entries a new subscriber receives.
	logHistory = 200
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// EngineResolver returns the engine executable to launch.
type EngineResolver func(ctx context.Context) (string, error)

// Server manages WebSocket connections and routes messages between
// clients, the session manager, and the model watcher.
type Server struct {
	sessions   *session.Manager
	models     *watcher.Watcher
	resolve    EngineResolver
	engineArgs []string
	workDir    string
	staticDir  string
	logger     *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks communication log subscriptions per client.
	// key: client, value: map[sessionKey]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex

	programsMu    sync.Mutex
	runs          map[string]*program.RunModel
	optimisations map[string]*program.Optimisation
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// Option configures a Server.
type Option func(*Server)

// WithEngine sets how the engine executable is found and the extra
// arguments every session is started with.
func WithEngine(resolve EngineResolver, args ...string) Option {
	return func(s *Server) {
		s.resolve = resolve
		s.engineArgs = args
	}
}

// WithWorkDir sets the default working directory for new sessions.
func WithWorkDir(dir string) Option { return func(s *Server) { s.workDir = dir } }

// WithStaticDir serves a frontend build from dir.
func WithStaticDir(dir string) Option { return func(s *Server) { s.staticDir = dir } }

// WithModelWatcher enables reloading models whose file changes.
func WithModelWatcher(w *watcher.Watcher) Option { return func(s *Server) { s.models = w } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a new realtime server.
func New(sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		resolve: func(context.Context) (string, error) {
			return "kalixcli", nil
		},
		logger:        slog.Default(),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
		runs:          make(map[string]*program.RunModel),
		optimisations: make(map[string]*program.Optimisation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{key}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{key}", s.handleRemoveSession)
	mux.HandleFunc("POST /sessions/{key}/commands", s.handleSendCommand)
	mux.HandleFunc("POST /sessions/{key}/queries", s.handleSendQuery)
	mux.HandleFunc("POST /sessions/{key}/stop", s.handleStop)
	mux.HandleFunc("POST /sessions/{key}/terminate", s.handleTerminate)
	mux.HandleFunc("POST /sessions/{key}/run-model", s.handleRunModel)
	mux.HandleFunc("GET /sessions/{key}/optimisation", s.handleGetOptimisation)
	mux.HandleFunc("POST /sessions/{key}/optimisation", s.handleStartOptimisation)
	mux.HandleFunc("POST /sessions/{key}/optimisation/run", s.handleRunOptimisation)
	mux.HandleFunc("GET /sessions/{key}/log", s.handleLog)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// OnSessionEvent forwards a session state change to every client. Wire it
// to the manager's OnEvent callback.
func (s *Server) OnSessionEvent(ev session.Event) {
	s.broadcastType(TypeSessionEvent, ev)
	if ev.NewState.Terminal() && s.models != nil {
		s.models.Unwatch(ev.SessionKey)
	}
}

// OnProgress forwards a progress report to every client.
func (s *Server) OnProgress(sessionKey string, info progress.Info) {
	s.broadcastType(TypeSessionProgress, SessionProgressPayload{
		SessionKey:  sessionKey,
		Percentage:  info.Percentage,
		Description: info.Description,
		Category:    string(info.Category),
		Complete:    info.IsCompletion(),
	})
}

// OnStatus forwards a status line to every client.
func (s *Server) OnStatus(text string) {
	s.broadcastType(TypeStatus, StatusPayload{Text: text})
}

// OnModelChanged reruns the model of a session whose model file changed.
// Sessions that are busy or already running a program skip the reload.
func (s *Server) OnModelChanged(sessionKey, path string) {
	snap, ok := s.sessions.GetSession(sessionKey)
	if !ok {
		return
	}
	if snap.State != session.StateReady || snap.Program != "" {
		s.logger.Info("model changed while session busy, reload skipped", "session", sessionKey, "path", path)
		s.OnStatus(fmt.Sprintf("Session %s: model changed, reload skipped (%s)", sessionKey, snap.State))
		return
	}
	if _, err := s.StartRunModel(sessionKey, program.ModelSource{Path: path}); err != nil {
		s.logger.Warn("model reload failed", "session", sessionKey, "path", path, "error", err)
		s.OnStatus(fmt.Sprintf("Session %s: model reload failed: %v", sessionKey, err))
		return
	}
	s.OnStatus(fmt.Sprintf("Session %s: reloading %s", sessionKey, filepath.Base(path)))
}

// StartSession launches an engine session, subscribes connected clients
// to its log and, when a model path is given, runs that model and watches
// it for changes.
func (s *Server) StartSession(ctx context.Context, req SessionStartPayload) (session.Session, error) {
	enginePath := req.EnginePath
	if enginePath == "" {
		p, err := s.resolve(ctx)
		if err != nil {
			return session.Session{}, err
		}
		enginePath = p
	}

	workDir := req.WorkDir
	if workDir == "" && req.ModelPath != "" {
		workDir = filepath.Dir(req.ModelPath)
	}
	if workDir == "" {
		workDir = s.workDir
	}

	args := append(append([]string(nil), s.engineArgs...), req.Args...)
	key, err := s.sessions.StartSession(ctx, enginePath, session.Config{
		Key:     req.Key,
		Args:    args,
		WorkDir: workDir,
	})
	if err != nil {
		return session.Session{}, err
	}

	s.subscribeAllClients(key)

	if req.ModelPath != "" {
		if _, err := s.StartRunModel(key, program.ModelSource{Path: req.ModelPath}); err != nil {
			s.logger.Warn("initial model run failed", "session", key, "error", err)
		}
		if s.models != nil {
			if err := s.models.Watch(key, req.ModelPath); err != nil {
				s.logger.Warn("failed to watch model file", "session", key, "path", req.ModelPath, "error", err)
			}
		}
	}

	snap, _ := s.sessions.GetSession(key)
	s.broadcastType(TypeSessionUpdate, snap)
	return snap, nil
}

// StartRunModel attaches a run-model program to the session and starts it.
func (s *Server) StartRunModel(sessionKey string, src program.ModelSource) (*program.RunModel, error) {
	p := program.NewRunModel(s.sessions.Commander(sessionKey),
		program.WithStatus(s.OnStatus),
		program.WithProgress(func(info progress.Info) { s.OnProgress(sessionKey, info) }),
		program.WithLogger(s.logger),
	)
	if err := s.sessions.AttachProgram(sessionKey, p); err != nil {
		return nil, err
	}
	if err := p.Start(src); err != nil {
		s.sessions.DetachProgram(sessionKey)
		return nil, err
	}

	s.programsMu.Lock()
	s.runs[sessionKey] = p
	s.programsMu.Unlock()

	go func() {
		<-p.Done()
		done := ProgramDonePayload{
			SessionKey: sessionKey,
			Program:    p.Name(),
			State:      p.State(),
			Stopped:    p.Stopped(),
			Outputs:    p.Outputs(),
		}
		if err := p.Err(); err != nil {
			done.Error = err.Error()
		}
		s.broadcastType(TypeProgramDone, done)
	}()
	return p, nil
}

// StartOptimisation attaches an optimisation program to the session and
// loads the model for it.
func (s *Server) StartOptimisation(sessionKey, modelINI string) (*program.Optimisation, error) {
	p := program.NewOptimisation(s.sessions.Commander(sessionKey), nil,
		program.WithStatus(s.OnStatus),
		program.WithProgress(func(info progress.Info) { s.OnProgress(sessionKey, info) }),
		program.WithLogger(s.logger),
	)
	if err := s.sessions.AttachProgram(sessionKey, p); err != nil {
		return nil, err
	}
	if err := p.Start(modelINI); err != nil {
		s.sessions.DetachProgram(sessionKey)
		return nil, err
	}

	s.programsMu.Lock()
	s.optimisations[sessionKey] = p
	s.programsMu.Unlock()

	go func() {
		<-p.Done()
		done := ProgramDonePayload{
			SessionKey: sessionKey,
			Program:    p.Name(),
			State:      p.State(),
			Stopped:    p.Stopped(),
		}
		if err := p.Err(); err != nil {
			done.Error = err.Error()
		}
		s.broadcastType(TypeProgramDone, done)
	}()
	return p, nil
}

func (s *Server) optimisation(sessionKey string) (*program.Optimisation, bool) {
	s.programsMu.Lock()
	defer s.programsMu.Unlock()
	p, ok := s.optimisations[sessionKey]
	return p, ok
}

// RemoveSession forgets a finished session and tells clients.
func (s *Server) RemoveSession(sessionKey string) error {
	if err := s.sessions.RemoveSession(sessionKey); err != nil {
		return err
	}
	if s.models != nil {
		s.models.Unwatch(sessionKey)
	}

	s.programsMu.Lock()
	delete(s.runs, sessionKey)
	delete(s.optimisations, sessionKey)
	s.programsMu.Unlock()

	s.subscriptionsMu.Lock()
	for _, subs := range s.subscriptions {
		delete(subs, sessionKey)
	}
	s.subscriptionsMu.Unlock()

	s.broadcastType(TypeSessionRemoved, SessionRemovedPayload{SessionKey: sessionKey})
	return nil
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to new client.
	s.sendSessionList(c)

	// Subscribe the client to the logs of sessions that already exist.
	s.subscribeClientToSessions(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.sessions.List() {
		s.sendType(c, TypeSessionUpdate, sess)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	close(c.send)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionKey, subID := range subs {
		if log, err := s.sessions.Log(sessionKey); err == nil {
			log.Unsubscribe(subID)
		}
	}
}

// handleMessage processes a validated client message. Operations that wait
// on the engine run in their own goroutine so the read loop keeps going.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case TypeSessionStart:
		var p SessionStartPayload
		json.Unmarshal(msg.Payload, &p)
		go func() {
			if _, err := s.StartSession(context.Background(), p); err != nil {
				s.sendError(c, ErrStartFailed, err.Error())
			}
		}()

	case TypeSessionCommand:
		var p SessionCommandPayload
		json.Unmarshal(msg.Payload, &p)
		s.replyError(c, s.sessions.SendCommand(p.SessionKey, p.Command, p.Parameters))

	case TypeSessionQuery:
		var p SessionQueryPayload
		json.Unmarshal(msg.Payload, &p)
		s.replyError(c, s.sessions.SendQuery(p.SessionKey, p.QueryType, p.Parameters))

	case TypeSessionStop:
		var p SessionStopPayload
		json.Unmarshal(msg.Payload, &p)
		s.replyError(c, s.sessions.StopOperation(p.SessionKey, p.Reason))

	case TypeSessionTerminate:
		var p SessionKeyPayload
		json.Unmarshal(msg.Payload, &p)
		if _, ok := s.sessions.GetSession(p.SessionKey); !ok {
			s.sendError(c, ErrSessionNotFound, "session not found: "+p.SessionKey)
			return
		}
		go s.sessions.TerminateSession(context.Background(), p.SessionKey)

	case TypeSessionRemove:
		var p SessionKeyPayload
		json.Unmarshal(msg.Payload, &p)
		s.replyError(c, s.RemoveSession(p.SessionKey))

	case TypeSessionRunModel:
		var p SessionRunModelPayload
		json.Unmarshal(msg.Payload, &p)
		_, err := s.StartRunModel(p.SessionKey, program.ModelSource{Path: p.ModelPath, INI: p.ModelINI})
		s.replyError(c, err)
	}
}

func (s *Server) replyError(c *client, err error) {
	if err == nil {
		return
	}
	code, _ := classify(err)
	s.sendError(c, code, err.Error())
}

// classify maps a session error to a client error code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotActive):
		return ErrSessionNotActive, http.StatusConflict
	case errors.Is(err, program.ErrNoModel):
		return ErrInvalidMessage, http.StatusBadRequest
	default:
		return ErrRejected, http.StatusConflict
	}
}

// subscribeAllClients subscribes all connected clients to a session's log.
func (s *Server) subscribeAllClients(sessionKey string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionKey)
	}
}

// subscribeClientToSessions subscribes a single client to every session's
// log. Called when a WebSocket connection is established so the client
// sees traffic of sessions created before it connected.
func (s *Server) subscribeClientToSessions(c *client) {
	for _, sess := range s.sessions.List() {
		s.subscribeClient(c, sess.Key)
	}
}

// subscribeClient subscribes a single client to a session's log.
func (s *Server) subscribeClient(c *client, sessionKey string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionKey]; exists {
		s.subscriptionsMu.Unlock()
		return
	}
	s.subscriptionsMu.Unlock()

	log, err := s.sessions.Log(sessionKey)
	if err != nil {
		return
	}
	subID, ch, history := log.Subscribe(logHistory)

	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if connected {
		subs[sessionKey] = subID
	}
	s.subscriptionsMu.Unlock()
	if !connected {
		log.Unsubscribe(subID)
		return
	}

	for _, entry := range history {
		s.sendType(c, TypeSessionLog, entry)
	}

	go func() {
		for entry := range ch {
			s.sendType(c, TypeSessionLog, entry)
		}
	}()
}

// broadcastType sends a message to all connected clients.
func (s *Server) broadcastType(msgType string, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		s.logger.Warn("encoding broadcast", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// sendType sends one message to a client that is still connected.
func (s *Server) sendType(c *client, msgType string, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendError(c *client, code, message string) {
	s.sendType(c, TypeError, ErrorPayload{Code: code, Message: message})
}
