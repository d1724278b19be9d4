package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pointdeck/pointdeck/internal/liveness"
	"github.com/pointdeck/pointdeck/internal/session"
)

type Config struct {
	Addr           string   `yaml:"addr"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RemovalPolicy  string   `yaml:"removal_policy"`

	Sweeps struct {
		Interval          duration `yaml:"interval"`
		ConnectionTimeout duration `yaml:"connection_timeout"`
		SessionTimeout    duration `yaml:"session_timeout"`
	} `yaml:"sweeps"`
}

// duration parses yaml values like "30s" or "15m".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Addr:           ":8080",
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		RemovalPolicy:  string(session.RemovalPolicyOfflineFlag),
	}
	sweeps := liveness.DefaultConfig()
	cfg.Sweeps.Interval = duration(sweeps.SweepInterval)
	cfg.Sweeps.ConnectionTimeout = duration(sweeps.ConnectionTimeout)
	cfg.Sweeps.SessionTimeout = duration(sweeps.SessionTimeout)
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides
	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.RemovalPolicy = getEnv("REMOVAL_POLICY", cfg.RemovalPolicy)
	cfg.Sweeps.Interval = duration(getEnvAsDuration("SWEEP_INTERVAL", time.Duration(cfg.Sweeps.Interval)))
	cfg.Sweeps.ConnectionTimeout = duration(getEnvAsDuration("CONNECTION_TIMEOUT", time.Duration(cfg.Sweeps.ConnectionTimeout)))
	cfg.Sweeps.SessionTimeout = duration(getEnvAsDuration("SESSION_TIMEOUT", time.Duration(cfg.Sweeps.SessionTimeout)))

	return cfg, nil
}

func (c *Config) livenessConfig() liveness.Config {
	return liveness.Config{
		SweepInterval:     time.Duration(c.Sweeps.Interval),
		ConnectionTimeout: time.Duration(c.Sweeps.ConnectionTimeout),
		SessionTimeout:    time.Duration(c.Sweeps.SessionTimeout),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
