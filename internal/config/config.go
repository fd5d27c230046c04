// Package config loads pipeline configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-driven setting the pipeline needs.
type Config struct {
	UploadDir string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	QueueURL  string `env:"QUEUE_URL" envDefault:"file:adforge.db?_journal_mode=WAL"`
	LLMAPIKey string `env:"LLM_API_KEY"`
	TTSAPIKey string `env:"TTS_API_KEY"`
	TTMAPIKey string `env:"TTM_API_KEY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// MissingSecretError reports an unset required secret. It is a fatal,
// non-retryable configuration error.
type MissingSecretError struct {
	Name string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("config missing: required environment variable %s is not set", e.Name)
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// RequireSecrets checks that every secret needed by the requested providers
// is present. Call before starting workers so misconfiguration fails fast
// instead of surfacing mid-pipeline.
func (c *Config) RequireSecrets() error {
	required := []struct {
		name  string
		value string
	}{
		{"LLM_API_KEY", c.LLMAPIKey},
		{"TTS_API_KEY", c.TTSAPIKey},
		{"TTM_API_KEY", c.TTMAPIKey},
	}
	for _, r := range required {
		if r.value == "" {
			return &MissingSecretError{Name: r.name}
		}
	}
	return nil
}
