package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// AuthConfig contains the shared secrets for the control protocol and the stream proxy
type AuthConfig struct {
	Password   string `yaml:"password"`
	StateToken string `yaml:"state_token"`
}

// WebsocketConfig contains connection protocol timing parameters
type WebsocketConfig struct {
	HeartbeatInterval float64 `yaml:"heartbeat_interval"` // seconds, advertised in HELLO
	Timeout           float64 `yaml:"timeout"`            // seconds, read deadline per frame
	RebindTimeout     float64 `yaml:"rebind_timeout"`     // seconds, session grace period
}

// ProxyConfig contains stream proxy configuration
type ProxyConfig struct {
	RequestTimeout float64 `yaml:"request_timeout"` // seconds, upstream response header timeout
	RateLimit      int     `yaml:"rate_limit"`      // requests per minute per caller, 0 disables
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with the built-in defaults applied.
// Secrets have no defaults and must be supplied by the configuration file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8000,
			Address: "0.0.0.0",
		},
		Websocket: WebsocketConfig{
			HeartbeatInterval: 30,
			Timeout:           60,
			RebindTimeout:     300,
		},
		Proxy: ProxyConfig{
			RequestTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.Websocket.Validate(); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}

	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if a.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	if a.StateToken == "" {
		return fmt.Errorf("state_token cannot be empty")
	}

	if a.StateToken == a.Password {
		return fmt.Errorf("state_token must differ from password")
	}

	return nil
}

// Validate validates websocket configuration
func (w *WebsocketConfig) Validate() error {
	if w.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %f", w.HeartbeatInterval)
	}

	if w.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %f", w.Timeout)
	}

	if w.Timeout < w.HeartbeatInterval {
		return fmt.Errorf("timeout (%f) must not be shorter than heartbeat_interval (%f)",
			w.Timeout, w.HeartbeatInterval)
	}

	if w.RebindTimeout <= 0 {
		return fmt.Errorf("rebind_timeout must be positive, got %f", w.RebindTimeout)
	}

	return nil
}

// Validate validates proxy configuration
func (p *ProxyConfig) Validate() error {
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %f", p.RequestTimeout)
	}

	if p.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %d", p.RateLimit)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetHeartbeatInterval returns the advertised heartbeat interval as a time.Duration
func (w *WebsocketConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatInterval * float64(time.Second))
}

// GetTimeout returns the websocket read timeout as a time.Duration
func (w *WebsocketConfig) GetTimeout() time.Duration {
	return time.Duration(w.Timeout * float64(time.Second))
}

// GetRebindTimeout returns the session grace period as a time.Duration
func (w *WebsocketConfig) GetRebindTimeout() time.Duration {
	return time.Duration(w.RebindTimeout * float64(time.Second))
}

// GetRequestTimeout returns the proxy upstream timeout as a time.Duration
func (p *ProxyConfig) GetRequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeout * float64(time.Second))
}
