// Package sessiontest provides an in-memory engine transport for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"kalix-bridge/internal/protocol"
)

// ErrNoLine is returned when reading a stream with nothing queued.
var ErrNoLine = errors.New("sessiontest: no line queued")

// Reply is invoked for every line the frontend writes. It runs outside the
// fake's lock and may call Emit.
type Reply func(f *Fake, out protocol.Outbound)

// Fake is an engine transport driven by the test.
type Fake struct {
	mu         sync.Mutex
	stdout     []string
	stderr     []string
	sent       []string
	running    bool
	terminated bool
	forced     bool

	// IgnoreTerminate keeps the fake running after a terminate message.
	IgnoreTerminate bool
	// FailWrites makes SendLine return an error.
	FailWrites bool

	reply Reply
}

// New returns a running fake engine.
func New() *Fake {
	return &Fake{running: true}
}

// OnSend installs a reply hook.
func (f *Fake) OnSend(r Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = r
}

// Emit queues a stdout line.
func (f *Fake) Emit(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdout = append(f.stdout, line)
}

// EmitStderr queues a stderr line.
func (f *Fake) EmitStderr(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stderr = append(f.stderr, line)
}

// EmitMessage queues an engine message of the given type with data
// marshalled as its payload.
func (f *Fake) EmitMessage(kind protocol.Kind, engineID string, data any) {
	f.Emit(Line(kind, engineID, data))
}

// Line encodes an inbound engine message.
func Line(kind protocol.Kind, engineID string, data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	b, err := json.Marshal(protocol.Message{
		Type:      string(kind),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: engineID,
		Data:      raw,
	})
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Exit simulates the engine process ending. Queued lines stay readable.
func (f *Fake) Exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

// Sent returns every line the frontend wrote.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// SentMessages decodes every line the frontend wrote.
func (f *Fake) SentMessages() []protocol.Outbound {
	var out []protocol.Outbound
	for _, line := range f.Sent() {
		if msg, err := protocol.DecodeOutbound(line); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Terminated reports whether Terminate was called, and whether it was forced.
func (f *Fake) Terminated() (called, forced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated, f.forced
}

// SendLine records a line and runs the reply hook.
func (f *Fake) SendLine(text string) error {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return errors.New("sessiontest: broken pipe")
	}
	if !f.running {
		f.mu.Unlock()
		return errors.New("sessiontest: not running")
	}
	f.sent = append(f.sent, text)
	reply := f.reply
	ignoreTerminate := f.IgnoreTerminate
	f.mu.Unlock()

	out, err := protocol.DecodeOutbound(text)
	if err != nil {
		return nil
	}
	if out.Type == protocol.CommandKindTerminate && !ignoreTerminate {
		f.Exit()
		return nil
	}
	if reply != nil {
		reply(f, out)
	}
	return nil
}

func (f *Fake) StdoutReady() bool { return f.ready(&f.stdout) }
func (f *Fake) StderrReady() bool { return f.ready(&f.stderr) }

func (f *Fake) ReadStdoutLine() (string, error) { return f.next(&f.stdout) }
func (f *Fake) ReadStderrLine() (string, error) { return f.next(&f.stderr) }

func (f *Fake) ready(q *[]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(*q) > 0 || !f.running
}

func (f *Fake) next(q *[]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(*q) == 0 {
		if !f.running {
			return "", io.EOF
		}
		return "", ErrNoLine
	}
	line := (*q)[0]
	*q = (*q)[1:]
	return line, nil
}

// IsRunning reports whether the fake engine is alive.
func (f *Fake) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Terminate stops the fake engine.
func (f *Fake) Terminate(force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	f.forced = f.forced || force
	if force || !f.IgnoreTerminate {
		f.running = false
	}
	return nil
}
