package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/livechat/sessionstate/internal/session"
)

// Environment variables that override the YAML file.
const (
	EnvHost          = "CHATSTATE_HOST"
	EnvPort          = "CHATSTATE_PORT"
	EnvAuthToken     = "CHATSTATE_TOKEN"
	EnvUpstreamURL   = "CHATSTATE_UPSTREAM_URL"
	EnvUpstreamToken = "CHATSTATE_UPSTREAM_TOKEN"
	EnvReplayPath    = "CHATSTATE_REPLAY_PATH"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Feed      FeedConfig      `yaml:"feed"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type BroadcastConfig struct {
	Throttle         time.Duration `yaml:"throttle"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	ClientBuffer     int           `yaml:"client_buffer"`
	MaxConnections   int           `yaml:"max_connections"` // 0 means unlimited
}

type FeedConfig struct {
	UpstreamURL    string        `yaml:"upstream_url"`
	UpstreamToken  string        `yaml:"upstream_token"` // sent as a bearer token when dialing UpstreamURL
	ReplayPath     string        `yaml:"replay_path"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
}

type PrivacyConfig struct {
	MaskVisitorFields []string `yaml:"mask_visitor_fields"`
	HashVisitorNick   bool     `yaml:"hash_visitor_nick"`
}

// NewPrivacyFilter builds the filter applied to outgoing snapshots.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskVisitorFields: append([]string(nil), p.MaskVisitorFields...),
		HashVisitorNick:   p.HashVisitorNick,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Broadcast: BroadcastConfig{
			Throttle:         100 * time.Millisecond,
			SnapshotInterval: 30 * time.Second,
			ClientBuffer:     64,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A .env file in the working directory is loaded
// first if present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadOrDefault behaves like Load but falls back to defaults (plus
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = defaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	// a missing .env is the normal case
	_ = godotenv.Load()

	if v := os.Getenv(EnvHost); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv(EnvUpstreamURL); v != "" {
		c.Feed.UpstreamURL = v
	}
	if v := os.Getenv(EnvUpstreamToken); v != "" {
		c.Feed.UpstreamToken = v
	}
	if v := os.Getenv(EnvReplayPath); v != "" {
		c.Feed.ReplayPath = v
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside the server.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Broadcast.Throttle < 0 {
		return fmt.Errorf("broadcast.throttle must not be negative")
	}
	if c.Broadcast.SnapshotInterval <= 0 {
		return fmt.Errorf("broadcast.snapshot_interval must be positive")
	}
	if c.Broadcast.ClientBuffer <= 0 {
		return fmt.Errorf("broadcast.client_buffer must be positive")
	}
	if c.Broadcast.MaxConnections < 0 {
		return fmt.Errorf("broadcast.max_connections must not be negative")
	}
	if u := c.Feed.UpstreamURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("feed.upstream_url must be a ws:// or wss:// URL")
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
