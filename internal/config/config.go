// Package config handles Tether configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./tether.yaml, ~/.config/tether/tether.yaml, /etc/tether/tether.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tether.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tether", "tether.yaml"))
	}

	paths = append(paths, "/etc/tether/tether.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Tether configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Agent     AgentConfig     `yaml:"agent"`
	Shell     ShellConfig     `yaml:"shell"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// ServerConfig defines the remote generation endpoint.
type ServerConfig struct {
	// URL is the base URL of the remote endpoint, typically a public
	// tunnel in front of the model runtime (e.g. an ngrok URL).
	URL string `yaml:"url"`
	// RequestTimeoutSec bounds a single generate request (default 120).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	// MaxRetries is the number of attempts per generate call (default 2).
	MaxRetries int `yaml:"max_retries"`
	// Stream selects streaming (NDJSON) generation. Defaults to true.
	Stream *bool `yaml:"stream"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations. All tool paths
	// are resolved relative to this directory. Defaults to ".".
	Path string `yaml:"path"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxToolCalls caps tool invocations within one user turn (default 5).
	MaxToolCalls int `yaml:"max_tool_calls"`
	// MaxPromptTurns caps the number of turns included in a built
	// prompt before older turns are elided (default 12).
	MaxPromptTurns int `yaml:"max_prompt_turns"`
}

// ShellConfig defines shell execution behavior.
type ShellConfig struct {
	// TimeoutSec is the wall-clock limit for one command (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			URL: "http://localhost:5000",
		},
		Workspace: WorkspaceConfig{Path: "."},
		DataDir:   ".",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in zero-valued fields after unmarshal.
func (c *Config) applyDefaults() {
	if c.Server.RequestTimeoutSec == 0 {
		c.Server.RequestTimeoutSec = 120
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = 2
	}
	if c.Server.Stream == nil {
		stream := true
		c.Server.Stream = &stream
	}
	if c.Workspace.Path == "" {
		c.Workspace.Path = "."
	}
	if c.Agent.MaxToolCalls == 0 {
		c.Agent.MaxToolCalls = 5
	}
	if c.Agent.MaxPromptTurns == 0 {
		c.Agent.MaxPromptTurns = 12
	}
	if c.Shell.TimeoutSec == 0 {
		c.Shell.TimeoutSec = 30
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks the configuration for values that would fail later
// in confusing ways. Called by Load; exported for tests and for
// configs constructed in code.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Agent.MaxToolCalls < 1 {
		return fmt.Errorf("agent.max_tool_calls must be at least 1")
	}
	if c.Agent.MaxPromptTurns < 3 {
		// System turn + elision marker + at least one recent turn.
		return fmt.Errorf("agent.max_prompt_turns must be at least 3")
	}
	return nil
}
