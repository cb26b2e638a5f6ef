// Package config loads the YAML configuration for the hive server and agent,
// applying HIVE_* environment overrides on top of the file.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info"}
}

func defaultTracing() TracingConfig {
	return TracingConfig{SampleRatio: 1}
}

// readYAML decodes path into out. A missing file leaves out untouched.
func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (t *TracingConfig) normalize() {
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		t.SampleRatio = 1
	}
}

var (
	ErrMissingServerURL    = &Error{"server URL is required"}
	ErrMissingEnrollKey    = &Error{"enrollment key is required for first enrollment"}
	ErrMissingAdminToken   = &Error{"server.admin_token is required"}
	ErrMissingKeySalt      = &Error{"enrollment.key_salt is required"}
	ErrInvalidInterval     = &Error{"intervals must be >= 1s"}
	ErrInvalidTimeoutRange = &Error{"commands timeout bounds are inconsistent"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
