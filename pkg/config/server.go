package config

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ServerConfig configures the hive control-plane server.
type ServerConfig struct {
	Server     ListenConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Commands   CommandsConfig   `yaml:"commands"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ListenConfig struct {
	Listen     string `yaml:"listen"`
	AdminToken string `yaml:"admin_token"`

	// TrustedProxies lists proxy CIDRs whose X-Forwarded-For is believed
	// when matching enrollment IP ranges. Empty trusts none.
	TrustedProxies  []string `yaml:"trusted_proxies"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_s"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LivenessConfig struct {
	SweepIntervalS    int `yaml:"sweep_interval_s"`
	OfflineThresholdS int `yaml:"offline_threshold_s"`
}

type CommandsConfig struct {
	SweepIntervalS   int `yaml:"sweep_interval_s"`
	DefaultTimeoutS  int `yaml:"default_timeout_s"`
	MinTimeoutS      int `yaml:"min_timeout_s"`
	MaxTimeoutS      int `yaml:"max_timeout_s"`
	PollIntervalHint int `yaml:"poll_interval_hint_s"`
}

type EnrollmentConfig struct {
	KeySalt         string `yaml:"key_salt"`
	MinAgentVersion string `yaml:"min_agent_version"`
	HeartbeatHintS  int    `yaml:"heartbeat_interval_hint_s"`
}

type RateLimitConfig struct {
	AgentRPS   float64 `yaml:"agent_rps"`
	AgentBurst int     `yaml:"agent_burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultServerConfig returns a config with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: ListenConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "hive.db",
		},
		Liveness: LivenessConfig{
			SweepIntervalS:    60,
			OfflineThresholdS: 120,
		},
		Commands: CommandsConfig{
			SweepIntervalS:   60,
			DefaultTimeoutS:  300,
			MinTimeoutS:      30,
			MaxTimeoutS:      3600,
			PollIntervalHint: 10,
		},
		Enrollment: EnrollmentConfig{
			HeartbeatHintS: 30,
		},
		RateLimit: RateLimitConfig{
			AgentRPS:   5,
			AgentBurst: 20,
		},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadServer reads config from file with HIVE_* env var overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	envString("HIVE_LISTEN", &cfg.Server.Listen)
	envString("HIVE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	envString("HIVE_DB_DRIVER", &cfg.Database.Driver)
	envString("HIVE_DB_DSN", &cfg.Database.DSN)
	envString("HIVE_ENROLLMENT_KEY_SALT", &cfg.Enrollment.KeySalt)
	envString("HIVE_MIN_AGENT_VERSION", &cfg.Enrollment.MinAgentVersion)
	envInt("HIVE_OFFLINE_THRESHOLD_S", &cfg.Liveness.OfflineThresholdS)
	envInt("HIVE_LIVENESS_SWEEP_INTERVAL_S", &cfg.Liveness.SweepIntervalS)
	envInt("HIVE_COMMAND_SWEEP_INTERVAL_S", &cfg.Commands.SweepIntervalS)
	envString("HIVE_LOG_LEVEL", &cfg.Logging.Level)
	envBool("HIVE_LOG_JSON", &cfg.Logging.JSON)
	envString("HIVE_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	envBool("HIVE_METRICS_ENABLED", &cfg.Metrics.Enabled)

	return cfg, nil
}

// Validate checks required fields and fills in defaults for zero values.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Server.AdminToken) == "" {
		return ErrMissingAdminToken
	}
	if strings.TrimSpace(c.Enrollment.KeySalt) == "" {
		return ErrMissingKeySalt
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15
	}
	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
	case "postgres":
	default:
		return &Error{"database.driver must be sqlite or postgres"}
	}
	if c.Database.DSN == "" {
		return &Error{"database.dsn is required"}
	}
	if c.Liveness.SweepIntervalS < 1 || c.Commands.SweepIntervalS < 1 {
		return ErrInvalidInterval
	}
	if c.Liveness.OfflineThresholdS <= 0 {
		c.Liveness.OfflineThresholdS = 120
	}
	if c.Commands.MinTimeoutS <= 0 {
		c.Commands.MinTimeoutS = 30
	}
	if c.Commands.MaxTimeoutS <= 0 {
		c.Commands.MaxTimeoutS = 3600
	}
	if c.Commands.DefaultTimeoutS <= 0 {
		c.Commands.DefaultTimeoutS = 300
	}
	if c.Commands.MinTimeoutS > c.Commands.MaxTimeoutS ||
		c.Commands.DefaultTimeoutS < c.Commands.MinTimeoutS ||
		c.Commands.DefaultTimeoutS > c.Commands.MaxTimeoutS {
		return ErrInvalidTimeoutRange
	}
	if c.Commands.PollIntervalHint <= 0 {
		c.Commands.PollIntervalHint = 10
	}
	if c.Enrollment.HeartbeatHintS <= 0 {
		c.Enrollment.HeartbeatHintS = 30
	}
	if c.Enrollment.MinAgentVersion != "" {
		if _, err := semver.NewVersion(c.Enrollment.MinAgentVersion); err != nil {
			return &Error{"enrollment.min_agent_version is not a semantic version"}
		}
	}
	if c.RateLimit.AgentRPS < 0 {
		c.RateLimit.AgentRPS = 0
	}
	if c.RateLimit.AgentBurst <= 0 {
		c.RateLimit.AgentBurst = 20
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	c.Tracing.normalize()
	return nil
}

// MinAgentVersion returns the parsed minimum agent version, or nil when unset.
func (c *ServerConfig) MinAgentVersion() *semver.Version {
	if c.Enrollment.MinAgentVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(c.Enrollment.MinAgentVersion)
	if err != nil {
		return nil
	}
	return v
}

func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

func (c *ServerConfig) LivenessInterval() time.Duration {
	return time.Duration(c.Liveness.SweepIntervalS) * time.Second
}

func (c *ServerConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.Liveness.OfflineThresholdS) * time.Second
}

func (c *ServerConfig) DefaultCommandTimeout() time.Duration {
	return time.Duration(c.Commands.DefaultTimeoutS) * time.Second
}

func (c *ServerConfig) MinCommandTimeout() time.Duration {
	return time.Duration(c.Commands.MinTimeoutS) * time.Second
}

func (c *ServerConfig) MaxCommandTimeout() time.Duration {
	return time.Duration(c.Commands.MaxTimeoutS) * time.Second
}

func (c *ServerConfig) CommandSweepInterval() time.Duration {
	return time.Duration(c.Commands.SweepIntervalS) * time.Second
}
