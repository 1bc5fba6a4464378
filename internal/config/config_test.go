package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"KALIX_ADDR", "KALIX_ENGINE_PATH", "KALIX_ENGINE_ARGS", "KALIX_WORK_DIR", "KALIX_STATIC_DIR",
	"KALIX_READY_TIMEOUT", "KALIX_TERMINATE_GRACE", "KALIX_POLL_INTERVAL", "KALIX_MAX_SESSIONS",
	"KALIX_LOG_LEVEL", "KALIX_LOG_FORMAT", "KALIX_AUTO_RELOAD",
}

// clearEnv blanks every setting for the test; empty values count as unset.
func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8420", cfg.Addr)
	assert.Empty(t, cfg.EnginePath)
	assert.Empty(t, cfg.EngineArgs)
	assert.Equal(t, 30*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, time.Second, cfg.TerminateGrace)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.AutoReload)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("KALIX_ADDR", "127.0.0.1:9000")
	t.Setenv("KALIX_ENGINE_PATH", "/opt/kalix/kalixcli")
	t.Setenv("KALIX_ENGINE_ARGS", "--threads 4")
	t.Setenv("KALIX_READY_TIMEOUT", "5s")
	t.Setenv("KALIX_MAX_SESSIONS", "3")
	t.Setenv("KALIX_LOG_LEVEL", "DEBUG")
	t.Setenv("KALIX_AUTO_RELOAD", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "/opt/kalix/kalixcli", cfg.EnginePath)
	assert.Equal(t, []string{"--threads", "4"}, cfg.EngineArgs)
	assert.Equal(t, 5*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.AutoReload)
}

func TestMalformedEnvironmentFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("KALIX_READY_TIMEOUT", "soon")
	t.Setenv("KALIX_MAX_SESSIONS", "many")
	t.Setenv("KALIX_AUTO_RELOAD", "perhaps")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.False(t, cfg.AutoReload)
	assert.Len(t, cfg.Warnings, 3)
	assert.Contains(t, cfg.Warnings[0], "KALIX_READY_TIMEOUT")
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("KALIX_ADDR", ":9000")
	t.Setenv("KALIX_POLL_INTERVAL", "100ms")

	cfg, err := Load("", []string{"-addr", ":7000", "-engine-args", "--quiet", "-auto-reload"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"--quiet"}, cfg.EngineArgs)
	assert.True(t, cfg.AutoReload)
}

func TestBadFlag(t *testing.T) {
	clearEnv(t)
	_, err := Load("", []string{"-ready-timeout", "later"})
	assert.Error(t, err)

	_, err = Load("", []string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	_, err := Load("", []string{"-log-format", "xml"})
	assert.ErrorContains(t, err, "log format")

	_, err = Load("", []string{"-max-sessions", "-1"})
	assert.ErrorContains(t, err, "max sessions")

	_, err = Load("", []string{"-poll-interval", "0s"})
	assert.ErrorContains(t, err, "poll interval")
}

func TestDotEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("KALIX_WORK_DIR")
	os.Unsetenv("KALIX_ADDR")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("KALIX_WORK_DIR=/data/models\nKALIX_ADDR=:8500\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("KALIX_WORK_DIR")
		os.Unsetenv("KALIX_ADDR")
	})

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/data/models", cfg.WorkDir)
	assert.Equal(t, ":8500", cfg.Addr)
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"), nil)
	assert.NoError(t, err)
}
