package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	WS      WSConfig      `yaml:"websocket"`
	Metrics MetricsConfig `yaml:"metrics"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type CacheConfig struct {
	// MaxFileSize is the largest file the content tier will cache.
	// Reads of larger files fail with ErrFileTooLarge.
	MaxFileSize int64 `yaml:"max_file_size"`
	// TTL bounds entry age independent of mtime validation.
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type WSConfig struct {
	Path              string        `yaml:"path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendBuffer        int           `yaml:"send_buffer"`
}

type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	SampleCap int           `yaml:"sample_cap"`
	Retention time.Duration `yaml:"retention"`
}

type MonitorConfig struct {
	// ProjectsDir is the root the driver scans for conversation JSONL
	// files. Empty means ~/.claude/projects.
	ProjectsDir    string        `yaml:"projects_dir"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DiscoverWindow time.Duration `yaml:"discover_window"`
	// RecentThreshold separates active from waiting; IdleThreshold is the
	// age past which any conversation classifies as idle.
	RecentThreshold time.Duration `yaml:"recent_threshold"`
	IdleThreshold   time.Duration `yaml:"idle_threshold"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Cache: CacheConfig{
			MaxFileSize:   10 * 1024 * 1024,
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		WS: WSConfig{
			Path:              "/ws",
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        64,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			SampleCap: 1000,
			Retention: time.Hour,
		},
		Monitor: MonitorConfig{
			PollInterval:    2 * time.Second,
			DiscoverWindow:  24 * time.Hour,
			RecentThreshold: 60 * time.Second,
			IdleThreshold:   time.Hour,
			WatchDebounce:   200 * time.Millisecond,
		},
	}
}

// Load reads the YAML config at path over the built-in defaults. A missing
// file is not an error: the defaults are returned so the server can start
// with no configuration present.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies environment overrides. Only the port is overridable this
// way; everything else comes from the file or flags.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTDASH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}
