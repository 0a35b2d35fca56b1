// Package config provides configuration for the local execution agent.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the agent configuration.
type Config struct {
	// Control API
	HTTPPort int

	// Orchestrator
	OrchestratorURL string
	APIKey          string

	// Push channel
	PushURL       string
	PushResultURL string
	DeviceToken   string
	PushSecret    string

	// Database
	DatabaseURL string

	// Approval UI
	ApprovalURL     string
	ApprovalTimeout time.Duration

	// Sandbox
	SandboxRoot string

	// Timeouts
	ToolTimeout  time.Duration
	ShellTimeout time.Duration

	// Backoff
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxPullFailures int

	// Retention
	RetentionDays int
}

// Load loads configuration from environment variables.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8085),
		OrchestratorURL: getEnv("ORCHESTRATOR_URL", "http://localhost:8080"),
		APIKey:          getEnv("API_KEY", ""),
		PushURL:         getEnv("PUSH_URL", ""),
		PushResultURL:   getEnv("PUSH_RESULT_URL", ""),
		DeviceToken:     getEnv("DEVICE_TOKEN", ""),
		PushSecret:      getEnv("PUSH_SECRET", ""),
		DatabaseURL:     getEnv("DATABASE_URL", "file:agent.db?cache=shared&mode=rwc"),
		ApprovalURL:     getEnv("APPROVAL_URL", "http://localhost:8086"),
		ApprovalTimeout: time.Duration(getEnvInt("APPROVAL_TIMEOUT_MS", 120000)) * time.Millisecond,
		SandboxRoot:     getEnv("SANDBOX_ROOT", defaultSandboxRoot()),
		ToolTimeout:     time.Duration(getEnvInt("TOOL_TIMEOUT_MS", 60000)) * time.Millisecond,
		ShellTimeout:    time.Duration(getEnvInt("SHELL_TIMEOUT_MS", 120000)) * time.Millisecond,
		BackoffBase:     time.Duration(getEnvInt("BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		BackoffCap:      time.Duration(getEnvInt("BACKOFF_CAP_MS", 30000)) * time.Millisecond,
		MaxPullFailures: getEnvInt("MAX_PULL_FAILURES", 10),
		RetentionDays:   getEnvInt("RETENTION_DAYS", 30),
	}
	return cfg
}

func defaultSandboxRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agent")
	}
	return home
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
