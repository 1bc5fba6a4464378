// Package transport owns an engine child process and its three pipes.
// Output is read line by line into per-stream queues that callers poll.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	defaultScannerBuffer = 1024 * 1024 // 1MB, for long result lines.
	defaultQueueSize     = 1024
)

// Options configures Start.
type Options struct {
	// Dir is the working directory. Empty inherits the caller's.
	Dir string
	// Env is the environment. Nil inherits the caller's.
	Env []string
	// ScannerBuffer caps the length of one output line.
	ScannerBuffer int
	// QueueSize bounds the lines buffered per stream before the reader
	// stops draining the pipe.
	QueueSize int
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ScannerBuffer <= 0 {
		o.ScannerBuffer = defaultScannerBuffer
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// stdinWriter wraps the stdin pipe with a mutex for concurrent writes.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (sw *stdinWriter) writeLine(line string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrClosed
	}
	// One write per line; the pipe is unbuffered so nothing lingers.
	if _, err := io.WriteString(sw.w, line+"\n"); err != nil {
		return fmt.Errorf("transport: write stdin: %w", err)
	}
	return nil
}

func (sw *stdinWriter) close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return nil
	}
	sw.closed = true
	return sw.w.Close()
}

// lineQueue buffers the lines of one output stream.
type lineQueue struct {
	lines chan string
	ended atomic.Bool
}

// ready reports whether next would return without blocking.
func (q *lineQueue) ready() bool {
	return len(q.lines) > 0 || q.ended.Load()
}

// next returns the oldest queued line, or io.EOF once the stream ended
// and the queue drained.
func (q *lineQueue) next() (string, error) {
	line, ok := <-q.lines
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

// Process is a running engine child.
type Process struct {
	path   string
	cmd    *exec.Cmd
	stdin  *stdinWriter
	stdout *lineQueue
	stderr *lineQueue
	logger *slog.Logger

	readers sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Start launches path with args and begins reading its output. ctx only
// bounds the launch; the child outlives it.
func Start(ctx context.Context, path string, args []string, opts Options) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StartError{Path: path, Err: err}
	}
	opts = opts.withDefaults()

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	configureProcess(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Path: path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &StartError{Path: path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &StartError{Path: path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &StartError{Path: path, Err: err}
	}
	// The child holds its own copy of the read end.
	stdinR.Close()

	p := &Process{
		path:   path,
		cmd:    cmd,
		stdin:  &stdinWriter{w: stdinW},
		stdout: &lineQueue{lines: make(chan string, opts.QueueSize)},
		stderr: &lineQueue{lines: make(chan string, opts.QueueSize)},
		logger: opts.Logger.With("pid", cmd.Process.Pid),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	p.readers.Add(2)
	go p.scan(stdoutPipe, p.stdout, "stdout", opts.ScannerBuffer)
	go p.scan(stderrPipe, p.stderr, "stderr", opts.ScannerBuffer)
	go p.wait()

	p.logger.Debug("engine process started", "path", path, "args", args)
	return p, nil
}

// scan reads lines from r into q until EOF or Terminate.
func (p *Process) scan(r io.Reader, q *lineQueue, stream string, bufSize int) {
	defer p.readers.Done()
	defer func() {
		q.ended.Store(true)
		close(q.lines)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(4096, bufSize)), bufSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		select {
		case q.lines <- line:
		case <-p.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("engine stream read failed", "stream", stream, "error", err)
	}
}

// wait reaps the child once both streams are drained.
func (p *Process) wait() {
	p.readers.Wait()
	err := wrapExitError(p.cmd.Wait())
	p.waitErr = err
	close(p.done)

	attrs := []any{"path", p.path}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	p.logger.Debug("engine process exited", attrs...)
}

// PID returns the child's process ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// SendLine writes text followed by a newline to the child's stdin.
func (p *Process) SendLine(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return ErrMultiline
	}
	if !p.IsRunning() {
		return ErrNotRunning
	}
	return p.stdin.writeLine(text)
}

// StdoutReady reports whether ReadStdoutLine would return immediately.
func (p *Process) StdoutReady() bool { return p.stdout.ready() }

// StderrReady reports whether ReadStderrLine would return immediately.
func (p *Process) StderrReady() bool { return p.stderr.ready() }

// ReadStdoutLine returns the next stdout line, blocking until one is
// available. It returns io.EOF after the stream ended.
func (p *Process) ReadStdoutLine() (string, error) { return p.stdout.next() }

// ReadStderrLine returns the next stderr line, blocking until one is
// available. It returns io.EOF after the stream ended.
func (p *Process) ReadStderrLine() (string, error) { return p.stderr.next() }

// IsRunning reports whether the child has not yet been reaped.
func (p *Process) IsRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and its streams are drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error after Done is closed, nil before.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Terminate signals the child and releases its pipes. A graceful request
// sends SIGTERM to the process group; force sends SIGKILL. Safe to call
// more than once.
func (p *Process) Terminate(force bool) error {
	var sigErr error
	if p.IsRunning() {
		sigErr = signalGroup(p.cmd, force)
	}
	p.stopOnce.Do(func() {
		if err := p.stdin.close(); err != nil {
			p.logger.Debug("closing engine stdin", "error", err)
		}
		close(p.stop)
	})
	if sigErr != nil {
		return fmt.Errorf("transport: signal %s: %w", p.path, sigErr)
	}
	return nil
}
