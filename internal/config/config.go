package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Game      GameConfig      `yaml:"game"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPPort   int    `yaml:"http_port"`
	StaticDir  string `yaml:"static_dir"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GameConfig holds round scheduling and reconnection settings
type GameConfig struct {
	AssignmentMode string        `yaml:"assignment_mode"` // unrestricted or role_restricted
	TargetRepeats  int           `yaml:"target_repeats"`  // target plays per item combination
	MaxRounds      int           `yaml:"max_rounds"`      // 0 means combinations x target_repeats
	ReconnectTTL   time.Duration `yaml:"reconnect_ttl"`
}

// DashboardConfig holds observer broadcast settings
type DashboardConfig struct {
	RosterInterval time.Duration `yaml:"roster_interval"` // cheap roster/metrics push window
	DetailInterval time.Duration `yaml:"detail_interval"` // expensive per-team stats window
	CacheCapacity  int           `yaml:"cache_capacity"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/belltest/belltest.db"
	}
	// Note: StaticDir intentionally has no default - empty means don't serve static files

	// Auth defaults
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	// Game defaults
	if cfg.Game.AssignmentMode == "" {
		cfg.Game.AssignmentMode = "unrestricted"
	}
	if cfg.Game.TargetRepeats == 0 {
		cfg.Game.TargetRepeats = 3
	}
	if cfg.Game.ReconnectTTL == 0 {
		cfg.Game.ReconnectTTL = 2 * time.Minute
	}

	// Dashboard defaults
	if cfg.Dashboard.RosterInterval == 0 {
		cfg.Dashboard.RosterInterval = time.Second
	}
	if cfg.Dashboard.DetailInterval == 0 {
		cfg.Dashboard.DetailInterval = 5 * time.Second
	}
	if cfg.Dashboard.CacheCapacity == 0 {
		cfg.Dashboard.CacheCapacity = 256
	}
}
