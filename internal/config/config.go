package config

import "time"

// Config holds client configuration values.
type Config struct {
	// Endpoints.
	WSURL      string `mapstructure:"ws_url" yaml:"ws_url"`
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`

	// Local persistence for tokens and session data.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Reconnect policy. One consistent policy for every code path.
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	ReconnectBackoff     float64       `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval" yaml:"reconnect_max_interval"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`

	// Delay between disconnect and connect when the auth token rotates,
	// so we never dial with a token that is mid-rotation.
	TokenRotationDelay time.Duration `mapstructure:"token_rotation_delay" yaml:"token_rotation_delay"`

	// Heartbeat.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// Send/confirmation lifecycle.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`

	// Typing indicator idle window.
	TypingIdle time.Duration `mapstructure:"typing_idle" yaml:"typing_idle"`

	// Verification fallback.
	VerifyLimit  int           `mapstructure:"verify_limit" yaml:"verify_limit"`
	VerifyWindow time.Duration `mapstructure:"verify_window" yaml:"verify_window"`

	// REST client.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		WSURL:                "ws://localhost:4000/ws",
		APIBaseURL:           "http://localhost:4000/api/v1",
		DatabasePath:         "wirechat-client.db",
		LogLevel:             "info",
		ReconnectInterval:    3 * time.Second,
		ReconnectBackoff:     1.5,
		ReconnectMaxInterval: 30 * time.Second,
		ReconnectMaxAttempts: 5,
		TokenRotationDelay:   500 * time.Millisecond,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		ConfirmTimeout:       10 * time.Second,
		TypingIdle:           3 * time.Second,
		VerifyLimit:          50,
		VerifyWindow:         10 * time.Second,
		RequestTimeout:       10 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.WSURL != "" {
		c.WSURL = other.WSURL
	}
	if other.APIBaseURL != "" {
		c.APIBaseURL = other.APIBaseURL
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ReconnectInterval != 0 {
		c.ReconnectInterval = other.ReconnectInterval
	}
	if other.ReconnectBackoff != 0 {
		c.ReconnectBackoff = other.ReconnectBackoff
	}
	if other.ReconnectMaxInterval != 0 {
		c.ReconnectMaxInterval = other.ReconnectMaxInterval
	}
	if other.ReconnectMaxAttempts != 0 {
		c.ReconnectMaxAttempts = other.ReconnectMaxAttempts
	}
	if other.TokenRotationDelay != 0 {
		c.TokenRotationDelay = other.TokenRotationDelay
	}
	if other.HeartbeatInterval != 0 {
		c.HeartbeatInterval = other.HeartbeatInterval
	}
	if other.HeartbeatTimeout != 0 {
		c.HeartbeatTimeout = other.HeartbeatTimeout
	}
	if other.ConfirmTimeout != 0 {
		c.ConfirmTimeout = other.ConfirmTimeout
	}
	if other.TypingIdle != 0 {
		c.TypingIdle = other.TypingIdle
	}
	if other.VerifyLimit != 0 {
		c.VerifyLimit = other.VerifyLimit
	}
	if other.VerifyWindow != 0 {
		c.VerifyWindow = other.VerifyWindow
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
}
