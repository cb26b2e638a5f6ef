package config

import (
	"strings"
	"time"
)

// AgentConfig configures the reference hive agent.
type AgentConfig struct {
	Server  AgentServerConfig `yaml:"server"`
	Agent   AgentLoopConfig   `yaml:"agent"`
	Actions ActionsConfig     `yaml:"actions"`
	Logging LoggingConfig     `yaml:"logging"`
	Tracing TracingConfig     `yaml:"tracing"`
}

type AgentServerConfig struct {
	URL               string `yaml:"url"`
	EnrollmentKey     string `yaml:"enrollment_key"`
	EnrollmentKeyFile string `yaml:"enrollment_key_file"`
	RequestTimeout    int    `yaml:"request_timeout_s"`
	RetryInitialMs    int    `yaml:"retry_initial_ms"`
	RetryMaxMs        int    `yaml:"retry_max_ms"`
	RetryMaxRetries   int    `yaml:"retry_max_attempts"`
}

type AgentLoopConfig struct {
	StatePath         string `yaml:"state_path"`
	DeviceName        string `yaml:"device_name"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_s"`
	PollInterval      int    `yaml:"poll_interval_s"`
	Jitter            int    `yaml:"jitter_s"`
}

// ActionsConfig overrides the argv run for each built-in command. An empty
// entry falls back to the platform default.
type ActionsConfig struct {
	Lock        []string `yaml:"lock"`
	Unlock      []string `yaml:"unlock"`
	Shutdown    []string `yaml:"shutdown"`
	Restart     []string `yaml:"restart"`
	AllowCustom bool     `yaml:"allow_custom"`
	MaxOutputKB int      `yaml:"max_output_kb"`
}

// DefaultAgentConfig returns a config with sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			URL:             "http://localhost:8080",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Agent: AgentLoopConfig{
			StatePath:         "/var/lib/hive/agent.json",
			HeartbeatInterval: 30,
			PollInterval:      10,
			Jitter:            5,
		},
		Actions: ActionsConfig{
			AllowCustom: true,
			MaxOutputKB: 4,
		},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadAgent reads config from file with env var overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	envString("HIVE_SERVER_URL", &cfg.Server.URL)
	envString("HIVE_ENROLLMENT_KEY", &cfg.Server.EnrollmentKey)
	envString("HIVE_ENROLLMENT_KEY_FILE", &cfg.Server.EnrollmentKeyFile)
	envString("HIVE_AGENT_STATE_PATH", &cfg.Agent.StatePath)
	envInt("HIVE_HEARTBEAT_INTERVAL_S", &cfg.Agent.HeartbeatInterval)
	envInt("HIVE_POLL_INTERVAL_S", &cfg.Agent.PollInterval)
	envString("HIVE_LOG_LEVEL", &cfg.Logging.Level)
	envBool("HIVE_LOG_JSON", &cfg.Logging.JSON)

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return &Error{"server URL must be http or https"}
	}
	if c.Agent.HeartbeatInterval < 1 || c.Agent.PollInterval < 1 {
		return ErrInvalidInterval
	}
	if c.Agent.Jitter < 0 {
		c.Agent.Jitter = 0
	}
	if c.Agent.StatePath == "" {
		return &Error{"agent.state_path is required"}
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Actions.MaxOutputKB <= 0 {
		c.Actions.MaxOutputKB = 4
	}
	c.Tracing.normalize()
	return nil
}

func (c *AgentConfig) HeartbeatEvery() time.Duration {
	return time.Duration(c.Agent.HeartbeatInterval) * time.Second
}

func (c *AgentConfig) PollEvery() time.Duration {
	return time.Duration(c.Agent.PollInterval) * time.Second
}
