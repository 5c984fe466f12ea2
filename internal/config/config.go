// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Execution backends.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	DeckPath      string
	DBPath        string
	WatchDeck     bool
	AllowedOrigin string
	Log           LogConfig
	Recording     RecordingConfig
	Archive       ArchiveConfig
	Exec          ExecConfig
	Sync          SyncConfig
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level slog.Level
	File  string
}

// RecordingConfig bounds the in-memory recording store.
type RecordingConfig struct {
	MaxRuns  int
	MaxBytes int64
}

// ArchiveConfig controls pruning of the SQLite archive.
type ArchiveConfig struct {
	KeepPerBlock  int
	SweepInterval time.Duration
}

// ExecConfig selects and tunes the execution backend.
type ExecConfig struct {
	Backend       string
	WorkDir       string
	KillGrace     time.Duration
	Interpreters  map[string][]string
	DockerImage   string
	DockerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// SyncConfig sizes the hub queues.
type SyncConfig struct {
	ClientQueueSize int
	EventLogSize    int
	EventLogBytes   int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	interpreters, err := ParseInterpreters(getEnv("INTERPRETERS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DeckPath:      getEnv("DECK_PATH", "./deck.yaml"),
		DBPath:        getEnv("DB_PATH", "./data/livedeck.db"),
		WatchDeck:     getEnvBool("WATCH_DECK", true),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		Log: LogConfig{
			Level: level,
			File:  getEnv("LOG_FILE", ""),
		},
		Recording: RecordingConfig{
			MaxRuns:  getEnvInt("RECORDING_MAX_RUNS", 64),
			MaxBytes: getEnvInt64("RECORDING_MAX_BYTES", 64<<20),
		},
		Archive: ArchiveConfig{
			KeepPerBlock:  getEnvInt("ARCHIVE_KEEP_PER_BLOCK", 20),
			SweepInterval: getEnvDuration("ARCHIVE_SWEEP_INTERVAL", 5*time.Minute),
		},
		Exec: ExecConfig{
			Backend:       strings.ToLower(getEnv("EXEC_BACKEND", BackendLocal)),
			WorkDir:       getEnv("EXEC_WORKDIR", ""),
			KillGrace:     getEnvDuration("KILL_GRACE_PERIOD", 3*time.Second),
			Interpreters:  interpreters,
			DockerImage:   getEnv("DOCKER_IMAGE", "python:3.12-slim"),
			DockerRuntime: getEnv("DOCKER_RUNTIME", ""),
		},
		Sync: SyncConfig{
			ClientQueueSize: getEnvInt("CLIENT_QUEUE_SIZE", 1024),
			EventLogSize:    getEnvInt("EVENT_LOG_SIZE", 4096),
			EventLogBytes:   getEnvInt("EVENT_LOG_BYTES", 8<<20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DeckPath == "" {
		return fmt.Errorf("DECK_PATH cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Recording.MaxRuns <= 0 {
		return fmt.Errorf("RECORDING_MAX_RUNS must be > 0")
	}
	if c.Recording.MaxBytes <= 0 {
		return fmt.Errorf("RECORDING_MAX_BYTES must be > 0")
	}
	if c.Archive.KeepPerBlock < 0 {
		return fmt.Errorf("ARCHIVE_KEEP_PER_BLOCK must be >= 0")
	}
	if c.Archive.SweepInterval <= 0 {
		return fmt.Errorf("ARCHIVE_SWEEP_INTERVAL must be > 0")
	}
	if c.Exec.KillGrace <= 0 {
		return fmt.Errorf("KILL_GRACE_PERIOD must be > 0")
	}
	switch c.Exec.Backend {
	case BackendLocal:
	case BackendDocker:
		if c.Exec.DockerImage == "" {
			return fmt.Errorf("DOCKER_IMAGE cannot be empty with the docker backend")
		}
	default:
		return fmt.Errorf("EXEC_BACKEND must be %q or %q, got %q", BackendLocal, BackendDocker, c.Exec.Backend)
	}
	if c.Sync.ClientQueueSize <= 0 {
		return fmt.Errorf("CLIENT_QUEUE_SIZE must be > 0")
	}
	if c.Sync.EventLogSize <= 0 {
		return fmt.Errorf("EVENT_LOG_SIZE must be > 0")
	}
	if c.Sync.EventLogBytes <= 0 {
		return fmt.Errorf("EVENT_LOG_BYTES must be > 0")
	}
	return nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// ParseInterpreters parses "lang=argv...;lang=argv..." into an interpreter
// table override, e.g. "python=python3.12 -u -;deno=deno run -".
func ParseInterpreters(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lang, argv, ok := strings.Cut(entry, "=")
		lang = strings.ToLower(strings.TrimSpace(lang))
		fields := strings.Fields(argv)
		if !ok || lang == "" || len(fields) == 0 {
			return nil, fmt.Errorf("INTERPRETERS: malformed entry %q", entry)
		}
		out[lang] = fields
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
