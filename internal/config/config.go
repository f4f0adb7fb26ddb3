// Package config handles Hearth configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Ollama        OllamaConfig        `yaml:"ollama"`
	Redis         RedisConfig         `yaml:"redis"`
	Stream        StreamConfig        `yaml:"stream"`
	Cache         CacheConfig         `yaml:"cache"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether enough is set to talk to Home Assistant.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// OllamaConfig defines the language model backend.
type OllamaConfig struct {
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-request model timeout.
func (c OllamaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RedisConfig defines the state cache connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StreamConfig tunes the Home Assistant event stream client.
type StreamConfig struct {
	InitialBackoffSec    int `yaml:"initial_backoff_sec"`
	MaxBackoffSec        int `yaml:"max_backoff_sec"`
	CleanupIntervalMin   int `yaml:"cleanup_interval_min"`
	LogTrimIntervalHours int `yaml:"log_trim_interval_hours"`
}

// CacheConfig sets expiry and retention windows for cached data.
type CacheConfig struct {
	StateTTLSec          int `yaml:"state_ttl_sec"`
	LogRetentionDays     int `yaml:"log_retention_days"`
	ResponseTTLSec       int `yaml:"response_ttl_sec"`
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig configures the optional MQTT status device.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "llama3"
	}
	if c.Ollama.TimeoutSec == 0 {
		c.Ollama.TimeoutSec = 60
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Stream.InitialBackoffSec == 0 {
		c.Stream.InitialBackoffSec = 5
	}
	if c.Stream.MaxBackoffSec == 0 {
		c.Stream.MaxBackoffSec = 60
	}
	if c.Stream.CleanupIntervalMin == 0 {
		c.Stream.CleanupIntervalMin = 60
	}
	if c.Stream.LogTrimIntervalHours == 0 {
		c.Stream.LogTrimIntervalHours = 6
	}
	if c.Cache.StateTTLSec == 0 {
		c.Cache.StateTTLSec = 3600
	}
	if c.Cache.LogRetentionDays == 0 {
		c.Cache.LogRetentionDays = 7
	}
	if c.Cache.ResponseTTLSec == 0 {
		c.Cache.ResponseTTLSec = 3600
	}
	if c.Cache.HistoryRetentionDays == 0 {
		c.Cache.HistoryRetentionDays = 30
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hearth"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks for values that would fail later in confusing ways.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.HomeAssistant.URL != "" {
		u, err := url.Parse(c.HomeAssistant.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("homeassistant.url %q must be an http(s) URL", c.HomeAssistant.URL)
		}
	}
	if c.Stream.MaxBackoffSec < c.Stream.InitialBackoffSec {
		return fmt.Errorf("stream.max_backoff_sec (%d) is below initial_backoff_sec (%d)",
			c.Stream.MaxBackoffSec, c.Stream.InitialBackoffSec)
	}
	if c.MQTT.Configured() {
		scheme, _, _ := strings.Cut(c.MQTT.Broker, "://")
		switch scheme {
		case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		default:
			return fmt.Errorf("mqtt.broker %q has unsupported scheme", c.MQTT.Broker)
		}
	}
	return nil
}
