// Package program implements multi-step engine workflows. A program
// reacts to a session's inbound messages and sends follow-up commands
// through a Commander; it never holds a reference to the session itself.
package program

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"kalix-bridge/internal/progress"
	"kalix-bridge/internal/protocol"
)

var (
	// ErrAlreadyStarted is returned by Start on a program that has left
	// its initial state.
	ErrAlreadyStarted = errors.New("program: already started")

	// ErrFinished is returned when driving a program that has completed
	// or failed.
	ErrFinished = errors.New("program: finished")

	// ErrAborted is the failure cause of an aborted program.
	ErrAborted = errors.New("program: aborted")

	// ErrNoModel is returned for a ModelSource with neither path nor text.
	ErrNoModel = errors.New("program: model source is empty")
)

// Commander sends commands to the session a program is bound to.
type Commander interface {
	SessionKey() string
	SendCommand(name string, params map[string]any) error
}

// Option configures a program.
type Option func(*options)

type options struct {
	onStatus   func(string)
	onProgress func(progress.Info)
	logger     *slog.Logger
}

// WithStatus receives human-readable status lines.
func WithStatus(fn func(string)) Option { return func(o *options) { o.onStatus = fn } }

// WithProgress receives progress reports.
func WithProgress(fn func(progress.Info)) Option { return func(o *options) { o.onProgress = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) status(text string) {
	if o.onStatus != nil {
		o.safely("status", func() { o.onStatus(text) })
	}
}

func (o options) progress(info progress.Info) {
	if o.onProgress != nil {
		o.safely("progress", func() { o.onProgress(info) })
	}
}

// safely runs a caller callback on the program goroutine. A panic is
// logged and the program carries on.
func (o options) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("program callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// ModelSource names the model to load: a file path readable by the engine
// or the model's INI text.
type ModelSource struct {
	Path string
	INI  string
}

// runner serialises a program's steps on one goroutine. Message handling,
// user calls and aborts all run through it, so program fields need no lock.
type runner struct {
	inbox chan func()
	done  chan struct{}
	once  sync.Once
}

func newRunner() *runner {
	r := &runner{
		inbox: make(chan func()),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *runner) loop() {
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.done:
			return
		}
	}
}

// do runs fn on the program goroutine and waits for it. It reports false,
// without running fn, once the program has finished.
func (r *runner) do(fn func()) bool {
	ran := make(chan struct{})
	select {
	case r.inbox <- func() {
		defer close(ran)
		fn()
	}:
	case <-r.done:
		return false
	}
	<-ran
	return true
}

// finish marks the program finished and stops its goroutine.
func (r *runner) finish() {
	r.once.Do(func() { close(r.done) })
}

func (r *runner) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// wait blocks until the program finishes or ctx is done.
func (r *runner) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is a program's current step.
type State string

const (
	StateStarting          State = "starting"
	StateModelLoading      State = "model_loading"
	StateSimulationRunning State = "simulation_running"
	StateFetchingParams    State = "fetching_params"
	StateConfiguring       State = "configuring"
	StateOptimising        State = "optimising"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Terminal reports whether the program has finished.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// base carries what every program shares: the commander, callbacks, the
// runner and the published state. Fields other than state and err are only
// touched on the runner goroutine.
type base struct {
	name string
	cmd  Commander
	opts options
	r    *runner

	state atomic.Value // State

	mu      sync.Mutex
	err     error
	stopped bool
}

func (b *base) init(name string, cmd Commander, opts []Option) {
	b.name = name
	b.cmd = cmd
	b.opts = buildOptions(opts)
	b.r = newRunner()
	b.state.Store(StateStarting)
}

// Name identifies the program kind.
func (b *base) Name() string { return b.name }

// State returns the program's current step as a string.
func (b *base) State() string { return string(b.current()) }

func (b *base) current() State { return b.state.Load().(State) }

// Active reports whether the program still expects engine messages.
func (b *base) Active() bool { return !b.current().Terminal() }

// Err returns the failure cause once the program has failed.
func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stopped reports whether the engine ended the run early on request.
func (b *base) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Wait blocks until the program completes or fails and returns its failure
// cause, or until ctx is done.
func (b *base) Wait(ctx context.Context) error {
	if err := b.r.wait(ctx); err != nil {
		return err
	}
	return b.Err()
}

// Done is closed once the program has completed or failed.
func (b *base) Done() <-chan struct{} { return b.r.done }

// Abort fails a running program.
func (b *base) Abort(reason string) {
	b.r.do(func() {
		if b.current().Terminal() {
			return
		}
		b.fail(fmt.Errorf("%w: %s", ErrAborted, reason), "Program aborted: "+reason)
	})
}

func (b *base) set(s State) {
	b.state.Store(s)
	b.opts.logger.Debug("program state", "session", b.cmd.SessionKey(), "program", b.name, "state", s)
}

func (b *base) complete(text string) {
	b.set(StateCompleted)
	b.opts.status(text)
	b.r.finish()
}

func (b *base) fail(err error, text string) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	b.set(StateFailed)
	b.opts.logger.Warn("program failed", "session", b.cmd.SessionKey(), "program", b.name, "error", err)
	b.opts.status(text)
	b.r.finish()
}

func (b *base) markStopped() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

// send issues a command, failing the program when the write is refused.
func (b *base) send(name string, params map[string]any, failText string) bool {
	if err := b.cmd.SendCommand(name, params); err != nil {
		b.fail(fmt.Errorf("send %s: %w", name, err), failText+": "+err.Error())
		return false
	}
	return true
}

// reportProgress forwards a structured progress payload with a description
// naming the running activity.
func (b *base) reportProgress(msg protocol.Message, fallbackCommand string) {
	d, err := protocol.Payload[protocol.ProgressData](msg)
	if err != nil {
		b.opts.logger.Warn("malformed progress message", "session", b.cmd.SessionKey(), "error", err)
		return
	}
	command := d.Command
	if command == "" {
		command = fallbackCommand
	}
	info := progress.New(d.Progress.PercentComplete, progress.Describe(command, d.Progress.CurrentStep), "", progress.CategoryPercentage)
	b.opts.progress(info)
}

func errorText(msg protocol.Message) string {
	d, err := protocol.Payload[protocol.ErrorData](msg)
	if err != nil {
		return "unknown error"
	}
	return d.Text()
}

// engineError is the failure cause recorded for an engine error message.
type engineError struct {
	Step string
	Text string
}

func (e *engineError) Error() string { return e.Step + ": " + e.Text }
