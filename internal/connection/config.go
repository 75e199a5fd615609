package connection

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Default values for optional Config fields.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectMinDelay = 500 * time.Millisecond
	DefaultReconnectJitter   = 1000 * time.Millisecond
	DefaultReconnectMaxDelay = 10 * time.Second
	DefaultReconnectFactor   = 1.3
)

// Config configures a logical connection to the telemetry plugin.
// Exactly one credential strategy must be set: Token, or Username and Password.
type Config struct {
	Host       string // e.g. "thingsboard.cloud" or "localhost:8080"
	DisableTLS bool   // ws:// and http:// instead of wss:// and https://

	Token    string // Static JWT
	Username string // Exchanged for a JWT via /api/auth/login
	Password string

	ConnectTimeout  time.Duration // Bounds the initial handshake only
	ResponseTimeout time.Duration // Default per-call timeout for command batches (0 = correlator default)

	Transport TransportOptions
}

// TransportOptions is passed through to the WebSocket layer.
type TransportOptions struct {
	Header            http.Header
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	BufferSize        int
	ReconnectMinDelay time.Duration // Base of the randomized minimum backoff
	ReconnectJitter   time.Duration // Upper bound of the random part added to ReconnectMinDelay
	ReconnectMaxDelay time.Duration
	ReconnectFactor   float64
}

// Validate checks the config before any network activity.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}

	hasToken := c.Token != ""
	hasUser := c.Username != ""
	hasPassword := c.Password != ""

	switch {
	case hasUser && !hasPassword:
		return fmt.Errorf("%w: password is required with username", ErrInvalidConfig)
	case hasPassword && !hasUser:
		return fmt.Errorf("%w: username is required with password", ErrInvalidConfig)
	case hasToken && hasUser:
		return fmt.Errorf("%w: token and username/password are mutually exclusive", ErrInvalidConfig)
	case !hasToken && !hasUser:
		return fmt.Errorf("%w: token or username/password is required", ErrInvalidConfig)
	}

	if c.ConnectTimeout < 0 || c.ResponseTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}

	return nil
}

// WSScheme returns "wss" unless TLS is disabled.
func (c *Config) WSScheme() string {
	if c.DisableTLS {
		return "ws"
	}
	return "wss"
}

// HTTPScheme returns "https" unless TLS is disabled.
func (c *Config) HTTPScheme() string {
	if c.DisableTLS {
		return "http"
	}
	return "https"
}

// APIBaseURL returns the REST base URL for the same host.
func (c *Config) APIBaseURL() string {
	return c.HTTPScheme() + "://" + c.Host
}

// EndpointURL builds the telemetry WebSocket URL for a token.
func EndpointURL(scheme, host, token string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   TelemetryPath,
	}
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	t := &c.Transport
	def := DefaultClientConfig()
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = def.HandshakeTimeout
	}
	if t.PingInterval == 0 {
		t.PingInterval = def.PingInterval
	}
	if t.PingTimeout == 0 {
		t.PingTimeout = def.PingTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = def.WriteTimeout
	}
	if t.BufferSize == 0 {
		t.BufferSize = def.BufferSize
	}
	if t.ReconnectMinDelay == 0 {
		t.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if t.ReconnectJitter == 0 {
		t.ReconnectJitter = DefaultReconnectJitter
	}
	if t.ReconnectMaxDelay == 0 {
		t.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if t.ReconnectFactor == 0 {
		t.ReconnectFactor = DefaultReconnectFactor
	}
}

// clientConfig builds the socket config for one attempt.
func (c *Config) clientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		URL:              endpoint,
		Header:           c.Transport.Header,
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		PingInterval:     c.Transport.PingInterval,
		PingTimeout:      c.Transport.PingTimeout,
		WriteTimeout:     c.Transport.WriteTimeout,
		BufferSize:       c.Transport.BufferSize,
	}
}
