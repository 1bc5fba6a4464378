// Package locator finds the engine executable and probes its version.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// BinaryName is the engine executable looked up on PATH.
	BinaryName = "kalixcli"

	defaultProbeTimeout = 5 * time.Second
	cacheSize           = 64
)

var (
	// ErrNotFound is returned when no usable engine executable exists.
	ErrNotFound = errors.New("locator: engine executable not found")

	// ErrNotExecutable is returned for a configured path that is not an
	// executable file.
	ErrNotExecutable = errors.New("locator: not an executable file")
)

// Location is a resolved engine executable.
type Location struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	// InPath is set when the executable was found through PATH rather than
	// configuration.
	InPath bool `json:"inPath"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s (%s)", l.Path, l.Version)
}

// ProbeFunc runs the executable at path and returns its version string.
type ProbeFunc func(ctx context.Context, path string) (string, error)

// Locator resolves the engine executable. Version probes are cached per
// path and file identity so a replaced binary is probed again.
type Locator struct {
	configured string
	lookPath   func(string) (string, error)
	probe      ProbeFunc
	timeout    time.Duration
	cache      *lru.Cache[string, string]
	logger     *slog.Logger
}

// Option configures a Locator.
type Option func(*Locator)

// WithProbe replaces the --version probe.
func WithProbe(p ProbeFunc) Option { return func(l *Locator) { l.probe = p } }

// WithLookPath replaces the PATH search.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(l *Locator) { l.lookPath = fn }
}

// WithProbeTimeout bounds each version probe.
func WithProbeTimeout(d time.Duration) Option { return func(l *Locator) { l.timeout = d } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Locator) { l.logger = lg } }

// New returns a Locator. A non-empty configured path is used exclusively;
// PATH is only searched when nothing is configured.
func New(configured string, opts ...Option) (*Locator, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	l := &Locator{
		configured: strings.TrimSpace(configured),
		lookPath:   exec.LookPath,
		probe:      versionProbe,
		timeout:    defaultProbeTimeout,
		cache:      cache,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Locate resolves the engine executable and its version.
func (l *Locator) Locate(ctx context.Context) (Location, error) {
	if l.configured != "" {
		if err := checkExecutable(l.configured); err != nil {
			return Location{}, fmt.Errorf("%w: configured path %s: %w", ErrNotFound, l.configured, err)
		}
		v, err := l.Version(ctx, l.configured)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return Location{Path: l.configured, Version: v}, nil
	}

	path, err := l.lookPath(executableName())
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s is not on PATH", ErrNotFound, executableName())
	}
	v, err := l.Version(ctx, path)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return Location{Path: path, Version: v, InPath: true}, nil
}

// Version returns the executable's --version output, probing at most once
// per file identity.
func (l *Locator) Version(ctx context.Context, path string) (string, error) {
	key := cacheKey(path)
	if v, ok := l.cache.Get(key); ok {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	v, err := l.probe(ctx, path)
	if err != nil {
		l.logger.Warn("engine version probe failed", "path", path, "error", err)
		return "", fmt.Errorf("probe %s: %w", path, err)
	}
	l.cache.Add(key, v)
	l.logger.Debug("engine version probed", "path", path, "version", v)
	return v, nil
}

func versionProbe(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return ErrNotExecutable
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return ErrNotExecutable
	}
	return nil
}

// cacheKey identifies a file by path, size and modification time. Paths
// that cannot be stated are keyed by path alone.
func cacheKey(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return path
	}
	return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
}

func executableName() string {
	if runtime.GOOS == "windows" {
		return BinaryName + ".exe"
	}
	return BinaryName
}
