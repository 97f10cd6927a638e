package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the device agent configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Hub     HubConfig     `yaml:"hub"`
	API     APIConfig     `yaml:"api"`
	NATS    NATSConfig    `yaml:"nats"`
	Journal JournalConfig `yaml:"journal"`
	Log     LogConfig     `yaml:"log"`
}

// AgentConfig represents agent identity configuration
type AgentConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// HubConfig represents the hub connection configuration
type HubConfig struct {
	Hostname     string     `yaml:"hostname"`
	DeviceID     string     `yaml:"device_id"`
	HubName      string     `yaml:"hub_name"`
	UseWebSocket bool       `yaml:"use_websocket"`
	Auth         AuthConfig `yaml:"auth"`
}

// AuthConfig represents hub authentication configuration. Mode is either
// "sas" or "x509".
type AuthConfig struct {
	Mode            string        `yaml:"mode"`
	SharedAccessKey string        `yaml:"shared_access_key"`
	KeyName         string        `yaml:"key_name"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	PKCS12File      string        `yaml:"pkcs12_file"`
	PKCS12Password  string        `yaml:"pkcs12_password"`
}

// APIConfig represents the local status API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NATSConfig represents the local bus configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JournalConfig represents the offline telemetry journal configuration
type JournalConfig struct {
	Dir           string        `yaml:"dir"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	DrainBatch    int           `yaml:"drain_batch"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and validates the configuration file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("HUB_HOSTNAME"); host != "" {
		c.Hub.Hostname = host
	}
	if key := os.Getenv("HUB_SHARED_ACCESS_KEY"); key != "" {
		c.Hub.Auth.SharedAccessKey = key
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

func (c *Config) applyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "iothub-device-agent"
	}
	if c.Hub.Auth.Mode == "" {
		c.Hub.Auth.Mode = "sas"
	}
	if c.Hub.Auth.TokenTTL <= 0 {
		c.Hub.Auth.TokenTTL = time.Hour
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.NATS.ReconnectInterval <= 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "data/journal"
	}
	if c.Journal.DrainInterval <= 0 {
		c.Journal.DrainInterval = 10 * time.Second
	}
	if c.Journal.DrainBatch <= 0 {
		c.Journal.DrainBatch = 64
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Hub.Hostname == "" {
		return fmt.Errorf("hub.hostname is required")
	}
	if c.Hub.DeviceID == "" {
		return fmt.Errorf("hub.device_id is required")
	}
	if c.Hub.HubName == "" {
		return fmt.Errorf("hub.hub_name is required")
	}

	switch c.Hub.Auth.Mode {
	case "sas":
		if c.Hub.Auth.SharedAccessKey == "" {
			return fmt.Errorf("hub.auth.shared_access_key is required for sas mode")
		}
	case "x509":
		if c.Hub.UseWebSocket {
			return fmt.Errorf("x509 auth cannot be combined with websocket transport")
		}
		pemPair := c.Hub.Auth.CertFile != "" && c.Hub.Auth.KeyFile != ""
		if !pemPair && c.Hub.Auth.PKCS12File == "" {
			return fmt.Errorf("x509 mode requires cert_file/key_file or pkcs12_file")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Hub.Auth.Mode)
	}

	return nil
}
