package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is re-executed as the child
// process by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "no helper mode")
		os.Exit(2)
	}

	switch args[1] {
	case "echo":
		fmt.Fprintln(os.Stderr, "helper started")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "quit" {
				return
			}
			fmt.Println("echo: " + line)
		}
	case "lines":
		for i := 0; i < 3; i++ {
			fmt.Printf("line-%d\n", i)
		}
	case "exit":
		os.Exit(3)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("started")
		time.Sleep(time.Minute)
	}
}

func startHelper(t *testing.T, mode string) *Process {
	t.Helper()
	p, err := Start(context.Background(), os.Args[0],
		[]string{"-test.run=TestHelperProcess", "--", mode},
		Options{Env: append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Terminate(true) })
	return p
}

func readLine(t *testing.T, ready func() bool, read func() (string, error)) string {
	t.Helper()
	require.Eventually(t, ready, 5*time.Second, 10*time.Millisecond)
	line, err := read()
	require.NoError(t, err)
	return line
}

func TestProcess_EchoRoundTrip(t *testing.T) {
	p := startHelper(t, "echo")

	assert.Equal(t, "helper started", readLine(t, p.StderrReady, p.ReadStderrLine))

	require.NoError(t, p.SendLine(`{"type":"command"}`))
	assert.Equal(t, `echo: {"type":"command"}`, readLine(t, p.StdoutReady, p.ReadStdoutLine))
	assert.True(t, p.IsRunning())

	require.NoError(t, p.SendLine("quit"))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Err())
	assert.ErrorIs(t, p.SendLine("late"), ErrNotRunning)
}

func TestProcess_DrainsAfterExit(t *testing.T) {
	p := startHelper(t, "lines")

	<-p.Done()
	for i := 0; i < 3; i++ {
		require.True(t, p.StdoutReady())
		line, err := p.ReadStdoutLine()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("line-%d", i), line)
	}
	require.True(t, p.StdoutReady())
	_, err := p.ReadStdoutLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestProcess_ExitCode(t *testing.T) {
	p := startHelper(t, "exit")

	<-p.Done()
	var exitErr *ExitError
	require.True(t, errors.As(p.Err(), &exitErr))
	assert.Equal(t, 3, exitErr.Code)
}

func TestProcess_RejectsMultiline(t *testing.T) {
	p := startHelper(t, "echo")
	assert.ErrorIs(t, p.SendLine("a\nb"), ErrMultiline)
}

func TestProcess_ForceTerminate(t *testing.T) {
	p := startHelper(t, "stubborn")
	assert.Equal(t, "started", readLine(t, p.StdoutReady, p.ReadStdoutLine))

	require.NoError(t, p.Terminate(true))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived forced termination")
	}

	// Repeated termination is harmless.
	assert.NoError(t, p.Terminate(true))
	assert.ErrorIs(t, p.SendLine("x"), ErrNotRunning)
}

func TestStart_MissingExecutable(t *testing.T) {
	_, err := Start(context.Background(), "/nonexistent/kalixcli", nil, Options{})
	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, "/nonexistent/kalixcli", startErr.Path)
}

func TestStart_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Start(ctx, os.Args[0], nil, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
