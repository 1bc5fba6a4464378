// Package config loads server settings from a .env file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	EnginePath string
	EngineArgs []string
	WorkDir    string
	StaticDir  string

	ReadyTimeout   time.Duration
	TerminateGrace time.Duration
	PollInterval   time.Duration
	MaxSessions    int

	LogLevel   string
	LogFormat  string
	AutoReload bool

	// Warnings lists malformed settings that fell back to their defaults.
	Warnings []string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:           ":8420",
		ReadyTimeout:   30 * time.Second,
		TerminateGrace: time.Second,
		PollInterval:   50 * time.Millisecond,
		MaxSessions:    10,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads envFile (skipped when missing), then KALIX_* environment
// variables, then args. Malformed environment values keep their defaults
// and are reported in Warnings; malformed flags are an error.
func Load(envFile string, args []string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	cfg.Addr = firstNonEmpty(env("KALIX_ADDR"), cfg.Addr)
	cfg.EnginePath = env("KALIX_ENGINE_PATH")
	cfg.EngineArgs = strings.Fields(env("KALIX_ENGINE_ARGS"))
	cfg.WorkDir = env("KALIX_WORK_DIR")
	cfg.StaticDir = env("KALIX_STATIC_DIR")
	cfg.LogLevel = firstNonEmpty(strings.ToLower(env("KALIX_LOG_LEVEL")), cfg.LogLevel)
	cfg.LogFormat = firstNonEmpty(strings.ToLower(env("KALIX_LOG_FORMAT")), cfg.LogFormat)
	cfg.ReadyTimeout = cfg.duration("KALIX_READY_TIMEOUT", cfg.ReadyTimeout)
	cfg.TerminateGrace = cfg.duration("KALIX_TERMINATE_GRACE", cfg.TerminateGrace)
	cfg.PollInterval = cfg.duration("KALIX_POLL_INTERVAL", cfg.PollInterval)
	cfg.MaxSessions = cfg.integer("KALIX_MAX_SESSIONS", cfg.MaxSessions)
	cfg.AutoReload = cfg.boolean("KALIX_AUTO_RELOAD", cfg.AutoReload)

	fs := flag.NewFlagSet("kalix-bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.EnginePath, "engine", cfg.EnginePath, "engine executable (default: kalixcli on PATH)")
	engineArgs := fs.String("engine-args", strings.Join(cfg.EngineArgs, " "), "extra engine arguments, space separated")
	fs.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "default engine working directory")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "frontend build to serve")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "how long to wait for a new engine to become ready")
	fs.DurationVar(&cfg.TerminateGrace, "terminate-grace", cfg.TerminateGrace, "how long a terminating engine may take to exit")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "engine stream poll interval")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum concurrent sessions (0 = unlimited)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.BoolVar(&cfg.AutoReload, "auto-reload", cfg.AutoReload, "rerun models when their file changes")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.EngineArgs = strings.Fields(*engineArgs)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive, got %s", c.ReadyTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c *Config) duration(key string, def time.Duration) time.Duration {
	raw := env(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		c.warn(key, raw, def)
		return def
	}
	return d
}

func (c *Config) integer(key string, def int) int {
	raw := env(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.warn(key, raw, def)
		return def
	}
	return n
}

func (c *Config) boolean(key string, def bool) bool {
	raw := env(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.warn(key, raw, def)
		return def
	}
	return v
}

func (c *Config) warn(key, raw string, def any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is invalid, using %v", key, raw, def))
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
