// Package config provides configuration management for the RLM server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration for the RLM server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":3000").
	ServerAddr string

	// APIKey is the upstream OpenAI-compatible API key. Required; it is
	// also injected into every sandbox worker.
	APIKey string

	// BaseURL is the upstream API base (default OpenAI).
	BaseURL string

	// Model is the only model the server accepts in requests.
	Model string

	// RecursiveModel backs llm_query / rlm_query inside workers.
	RecursiveModel string

	// MaxIterations is RLM_MAX_ITERATIONS as the server reads it. The
	// launchers do not forward it: each worker reads RLM_MAX_ITERATIONS from
	// its own environment (a process-launched worker inherits the server's).
	MaxIterations int

	// Depth is RLM_DEPTH as the server reads it (default 0); Validate
	// accepts only 0 or 1. The launchers do not forward it: each worker reads
	// RLM_DEPTH from its own environment, where it defaults to 1.
	Depth int

	// EnableLogging turns on the transcript store. Worker-side conversation
	// and REPL logging follow RLM_ENABLE_LOGGING in the worker's own
	// environment; the launchers do not forward this setting.
	EnableLogging bool

	// DisableRecursive is RLM_DISABLE_RECURSIVE as the server reads it. The
	// launchers do not forward it: each worker reads RLM_DISABLE_RECURSIVE
	// from its own environment.
	DisableRecursive bool

	// MaxSessions caps live sessions; admission beyond it evicts idle
	// sessions LRU-first.
	MaxSessions int

	// MaxInflight caps concurrent HTTP handlers.
	MaxInflight int

	// IngressCapacity bounds the session manager's request queue.
	IngressCapacity int

	// SandboxPoolSize is the pre-warmed idle worker target.
	SandboxPoolSize int

	// SandboxRuntime selects the launcher: "docker" (gVisor container) or
	// "process" (direct child process).
	SandboxRuntime string

	// DataDir is where the transcript database lives.
	DataDir string

	// DatabasePath is the full path to the transcript SQLite file.
	DatabasePath string
}

// Load creates a Config from environment variables with the documented
// defaults.
func Load() (*Config, error) {
	dataDir := envOr("RLM_DATA_DIR", defaultDataDir())

	cfg := &Config{
		ServerAddr:       envOr("RLM_ADDR", ":3000"),
		APIKey:           os.Getenv("OPENAI_API_KEY"),
		BaseURL:          envOr("RLM_BASE_URL", "https://api.openai.com/v1"),
		Model:            envOr("RLM_MODEL", "gpt-5"),
		RecursiveModel:   envOr("RLM_RECURSIVE_MODEL", "gpt-5-mini"),
		MaxIterations:    envOrInt("RLM_MAX_ITERATIONS", 20),
		Depth:            envOrInt("RLM_DEPTH", 0),
		EnableLogging:    envOrBool("RLM_ENABLE_LOGGING"),
		DisableRecursive: envOrBool("RLM_DISABLE_RECURSIVE"),
		MaxSessions:      envOrInt("RLM_MAX_SESSIONS", 256),
		MaxInflight:      envOrInt("RLM_MAX_INFLIGHT", 128),
		IngressCapacity:  envOrInt("RLM_INGRESS_CAPACITY", 2048),
		SandboxPoolSize:  envOrInt("RLM_SANDBOX_POOL_SIZE", 8),
		SandboxRuntime:   envOr("RLM_SANDBOX_RUNTIME", "docker"),
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "rlmserver.db"),
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the RLM server")
	}
	if c.SandboxRuntime != "docker" && c.SandboxRuntime != "process" {
		return fmt.Errorf("RLM_SANDBOX_RUNTIME must be 'docker' or 'process', got %q", c.SandboxRuntime)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("RLM_MAX_SESSIONS must be at least 1")
	}
	if c.Depth != 0 && c.Depth != 1 {
		return fmt.Errorf("RLM_DEPTH must be 0 or 1")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rlmserver"
	}
	return filepath.Join(home, ".rlmserver")
}
