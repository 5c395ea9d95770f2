// Package config loads and persists the agent's local configuration and
// registration state.
//
// Two files live under the state directory:
//
//	agent.yaml        operator-edited configuration (viper: file + env + flags)
//	agent-state.json  identity persisted after registration (guid, api key)
//
// Configuration values resolve in the usual precedence order: explicit flag,
// SSENSE_* environment variable, config file, default.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Defaults for values the operator usually leaves alone.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxPollFailures = 10
)

// Config is the agent's runtime configuration.
type Config struct {
	// ServerURL is the base URL of the control server, e.g.
	// "https://shuttersense.example.com".
	ServerURL string `mapstructure:"server_url"`

	// Name is the display name presented at registration. Defaults to the
	// hostname when empty.
	Name string `mapstructure:"name"`

	// StateDir holds agent-state.json, the credential vault, and caches.
	StateDir string `mapstructure:"state_dir"`

	// AuthorizedRoots are the absolute paths under which local-filesystem
	// collections must lie. The local storage adapter rejects anything else.
	AuthorizedRoots []string `mapstructure:"authorized_roots"`

	// PollInterval is the sleep between empty claim attempts.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxPollFailures is the consecutive-connection-failure threshold after
	// which the polling loop gives up with exit code 4.
	MaxPollFailures int `mapstructure:"max_poll_failures"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// Load reads the agent configuration. path may be empty, in which case the
// default state directory is searched for agent.yaml. A missing config file
// is not an error — everything has a default or comes from the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SSENSE")
	v.AutomaticEnv()

	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("state_dir", DefaultStateDir())
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("max_poll_failures", DefaultMaxPollFailures)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultStateDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Name = host
	}
	return &cfg, nil
}

// DefaultStateDir returns the platform-appropriate state directory.
func DefaultStateDir() string {
	if runtime.GOOS == "windows" {
		if base := os.Getenv("ProgramData"); base != "" {
			return filepath.Join(base, "ShutterSense", "agent")
		}
		return `C:\ProgramData\ShutterSense\agent`
	}
	if os.Geteuid() == 0 {
		return "/var/lib/shuttersense-agent"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shuttersense-agent"
	}
	return filepath.Join(home, ".shuttersense-agent")
}

// State is the identity persisted after a successful registration. It lets
// the agent resume without re-registering: the API key is the agent's
// long-lived credential.
type State struct {
	AgentGUID string `json:"agent_guid"`
	APIKey    string `json:"api_key"`
	TeamGUID  string `json:"team_guid"`
	Name      string `json:"name"`
}

// Registered reports whether the agent holds a usable identity.
func (s State) Registered() bool {
	return s.AgentGUID != "" && s.APIKey != ""
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

// LoadState reads the persisted identity. Returns a zero State when the file
// does not exist yet (the agent has never registered).
func LoadState(stateDir string) (State, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("config: read state file: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("config: corrupted state file: %w", err)
	}
	return s, nil
}

// SaveState writes the identity atomically via temp file + rename. The file
// holds the API key, so it is created 0600 inside a 0700 directory.
func SaveState(stateDir string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: chmod temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("config: rename state file: %w", err)
	}
	ok = true
	return nil
}
