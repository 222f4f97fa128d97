package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wtfsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Server     Server     `toml:"server"`
	Connection Connection `toml:"connection"`
	Typing     Typing     `toml:"typing"`
	Backoff    Backoff    `toml:"backoff"`
}

// Server holds backend endpoints.
type Server struct {
	SocketURL string `toml:"socket_url"`
	APIURL    string `toml:"api_url"`
}

// Connection holds timeouts for credential retrieval, the authenticate
// handshake, and outbound socket sends.
type Connection struct {
	CredentialTimeoutMS int `toml:"credential_timeout_ms"`
	HandshakeTimeoutMS  int `toml:"handshake_timeout_ms"`
	SendTimeoutMS       int `toml:"send_timeout_ms"`
}

// Typing holds both typing windows. The debounce window throttles local
// typing broadcasts; the expiry window is the self-heal ceiling after which
// a remote indicator is dropped even if its stop event never arrived.
type Typing struct {
	DebounceMS int `toml:"debounce_ms"`
	ExpiryMS   int `toml:"expiry_ms"`
}

// Backoff holds the reconnect schedule: delay = base * 2^attempt, capped.
type Backoff struct {
	BaseMS      int `toml:"base_ms"`
	MaxMS       int `toml:"max_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			SocketURL: "ws://localhost:5000/socket",
			APIURL:    "http://localhost:5000/api",
		},
		Connection: Connection{
			CredentialTimeoutMS: 5000,
			HandshakeTimeoutMS:  8000,
			SendTimeoutMS:       5000,
		},
		Typing: Typing{
			DebounceMS: 1000,
			ExpiryMS:   3000,
		},
		Backoff: Backoff{
			BaseMS:      2000,
			MaxMS:       5000,
			MaxAttempts: 10,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to defaults
// when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
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

// fillDefaults replaces zero tunables with their defaults, so a sparse
// config file only has to name what it overrides.
func (c *Config) fillDefaults() {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.Server.SocketURL == "" {
		c.Server.SocketURL = def.Server.SocketURL
	}
	if c.Server.APIURL == "" {
		c.Server.APIURL = def.Server.APIURL
	}
	if c.Connection.CredentialTimeoutMS <= 0 {
		c.Connection.CredentialTimeoutMS = def.Connection.CredentialTimeoutMS
	}
	if c.Connection.HandshakeTimeoutMS <= 0 {
		c.Connection.HandshakeTimeoutMS = def.Connection.HandshakeTimeoutMS
	}
	if c.Connection.SendTimeoutMS <= 0 {
		c.Connection.SendTimeoutMS = def.Connection.SendTimeoutMS
	}
	if c.Typing.DebounceMS <= 0 {
		c.Typing.DebounceMS = def.Typing.DebounceMS
	}
	if c.Typing.ExpiryMS <= 0 {
		c.Typing.ExpiryMS = def.Typing.ExpiryMS
	}
	if c.Backoff.BaseMS <= 0 {
		c.Backoff.BaseMS = def.Backoff.BaseMS
	}
	if c.Backoff.MaxMS <= 0 {
		c.Backoff.MaxMS = def.Backoff.MaxMS
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}
}

// CredentialTimeout returns the credential retrieval ceiling as a duration.
func (c Connection) CredentialTimeout() time.Duration {
	return time.Duration(c.CredentialTimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns the authenticate handshake ceiling as a duration.
func (c Connection) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// SendTimeout returns the outbound socket write ceiling as a duration.
func (c Connection) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// Debounce returns the local typing debounce window as a duration.
func (t Typing) Debounce() time.Duration {
	return time.Duration(t.DebounceMS) * time.Millisecond
}

// Expiry returns the remote typing self-heal ceiling as a duration.
func (t Typing) Expiry() time.Duration {
	return time.Duration(t.ExpiryMS) * time.Millisecond
}

// Delay returns the reconnect delay for a zero-based attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := time.Duration(b.BaseMS) * time.Millisecond
	maxDelay := time.Duration(b.MaxMS) * time.Millisecond
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
