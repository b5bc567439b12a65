// Package config defines the Valet daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Valet configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Owner     OwnerConfig     `json:"owner" yaml:"owner"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8080"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// OwnerConfig identifies the owner on the primary transport channel.
type OwnerConfig struct {
	Channel  string `json:"channel" yaml:"channel"`
	Identity string `json:"identity" yaml:"identity"`
}

// SchedulerConfig controls the scheduled-task poll loop.
type SchedulerConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// HeartbeatConfig controls the periodic heartbeat trigger.
// An Interval of 0 disables the heartbeat.
type HeartbeatConfig struct {
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"` // parallel task-session resumes
}

// SessionConfig controls session turn execution.
type SessionConfig struct {
	TurnTimeout time.Duration `json:"turn_timeout" yaml:"turn_timeout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Owner: OwnerConfig{
			Channel:  "local",
			Identity: "owner",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:    30 * time.Minute,
			Concurrency: 4,
		},
		Session: SessionConfig{
			TurnTimeout: 5 * time.Minute,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
