package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "8080")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./deck.yaml", cfg.DeckPath)
	assert.Equal(t, BackendLocal, cfg.Exec.Backend)
	assert.Equal(t, 3*time.Second, cfg.Exec.KillGrace)
	assert.Equal(t, 1024, cfg.Sync.ClientQueueSize)
	assert.Equal(t, 8<<20, cfg.Sync.EventLogBytes)
	assert.Equal(t, slog.LevelInfo, cfg.Log.Level)
	assert.Empty(t, cfg.Exec.Interpreters)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KILL_GRACE_PERIOD", "500ms")
	t.Setenv("WATCH_DECK", "off")
	t.Setenv("EXEC_BACKEND", "Docker")
	t.Setenv("INTERPRETERS", "python=python3.12 -u -")
	t.Setenv("EVENT_LOG_BYTES", "4096")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Exec.KillGrace)
	assert.False(t, cfg.WatchDeck)
	assert.Equal(t, BackendDocker, cfg.Exec.Backend)
	assert.Equal(t, []string{"python3.12", "-u", "-"}, cfg.Exec.Interpreters["python"])
	assert.Equal(t, 4096, cfg.Sync.EventLogBytes)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("backend", func(t *testing.T) {
		t.Setenv("EXEC_BACKEND", "vm")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "chatty")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("queue", func(t *testing.T) {
		t.Setenv("CLIENT_QUEUE_SIZE", "0")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("log bytes", func(t *testing.T) {
		t.Setenv("EVENT_LOG_BYTES", "-1")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseInterpreters(t *testing.T) {
	got, err := ParseInterpreters(" Python = python3 -u - ; deno=deno run - ;")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"python": {"python3", "-u", "-"},
		"deno":   {"deno", "run", "-"},
	}, got)

	_, err = ParseInterpreters("python")
	assert.Error(t, err)
	_, err = ParseInterpreters("python=")
	assert.Error(t, err)
}
