package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// BaseURL is the HTTP base of the chat server. The websocket endpoint
	// is derived from it by scheme substitution (http -> ws, https -> wss).
	BaseURL string

	HeartbeatInterval time.Duration
	TypingExpiry      time.Duration

	ReconnectBase        time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	CacheFile string
}

func Load() (*Config, error) {
	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, err
	}
	typingExpiry, err := time.ParseDuration(getEnv("TYPING_EXPIRY", "3s"))
	if err != nil {
		return nil, err
	}
	maxAttempts, err := strconv.Atoi(getEnv("RECONNECT_MAX_ATTEMPTS", "5"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:              getEnv("BASE_URL", "http://localhost:8080"),
		HeartbeatInterval:    heartbeat,
		TypingExpiry:         typingExpiry,
		ReconnectBase:        time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: maxAttempts,
		CacheFile:            getEnv("CONVERSE_CACHE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BASE_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BASE_URL must use http or https, got %q", u.Scheme)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.TypingExpiry <= 0 {
		return fmt.Errorf("TYPING_EXPIRY must be greater than 0")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be greater than 0")
	}

	return nil
}

// WebSocketURL returns the websocket endpoint derived from BaseURL.
func (c *Config) WebSocketURL() string {
	u, _ := url.Parse(c.BaseURL)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/ws"
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
