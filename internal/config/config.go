package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default message-window tuning, matching the web client.
const (
	DefaultMessageWindow    = 10
	DefaultWindowIncrement  = 10
	DefaultRequestTimeout   = 10 * time.Second
	DefaultReconnectBase    = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectRetries = 10
)

// Config represents a profile's config.toml.
type Config struct {
	// DefaultProfile selects the active profile when no --profile flag is
	// given. Only read from the global config.
	DefaultProfile string `toml:"default_profile"`

	// ServerURL is the HTTP base URL of the chat server of record,
	// e.g. "http://localhost:5000".
	ServerURL string `toml:"server_url"`

	// AuthKey is presented as a cookie on every connect and HTTP call.
	// Persisted here so it survives restarts (the browser client keeps it
	// in a long-lived cookie instead).
	AuthKey string `toml:"auth_key,omitempty"`

	// ActiveConversation is the last opened conversation id; restored on
	// startup (the browser client keeps it in the URL query string).
	ActiveConversation string `toml:"active_conversation,omitempty"`

	// MessageWindow is the number of most-recent messages fetched when a
	// conversation is opened; WindowIncrement is the "load more" step.
	MessageWindow   int `toml:"message_window,omitempty"`
	WindowIncrement int `toml:"window_increment,omitempty"`

	// RequestTimeoutSec bounds a single request/reply round trip.
	RequestTimeoutSec int `toml:"request_timeout_sec,omitempty"`

	// Reconnect policy for the session channel.
	ReconnectBaseSec int  `toml:"reconnect_base_sec,omitempty"`
	ReconnectMaxSec  int  `toml:"reconnect_max_sec,omitempty"`
	ReconnectRetries int  `toml:"reconnect_retries,omitempty"`
	DisableReconnect bool `toml:"disable_reconnect,omitempty"`
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.MessageWindow <= 0 {
		c.MessageWindow = DefaultMessageWindow
	}
	if c.WindowIncrement <= 0 {
		c.WindowIncrement = DefaultWindowIncrement
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = int(DefaultRequestTimeout / time.Second)
	}
	if c.ReconnectBaseSec <= 0 {
		c.ReconnectBaseSec = int(DefaultReconnectBase / time.Second)
	}
	if c.ReconnectMaxSec <= 0 {
		c.ReconnectMaxSec = int(DefaultReconnectMax / time.Second)
	}
	if c.ReconnectRetries <= 0 {
		c.ReconnectRetries = DefaultReconnectRetries
	}
}

// RequestTimeout returns the round-trip timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// ReconnectBase returns the reconnect backoff base delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseSec) * time.Second
}

// ReconnectMax returns the reconnect backoff cap.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSec) * time.Second
}
