package config

import (
	"time"

	"github.com/rickgao/tb-telemetry/internal/connection"
)

// CollectorConfig is the root configuration for a collector instance.
type CollectorConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	ThingsBoard ThingsBoardConfig `yaml:"thingsboard"`
	Database    DatabaseConfig    `yaml:"database"`
	Writer      WriterConfig      `yaml:"writer"`
}

// InstanceConfig identifies this collector.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ThingsBoardConfig holds the telemetry connection and subscription settings.
type ThingsBoardConfig struct {
	Host       string `yaml:"host"`
	DisableTLS bool   `yaml:"disable_tls"`
	Token      string `yaml:"token"`    // Static JWT
	Username   string `yaml:"username"` // Or username/password login
	Password   string `yaml:"password"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectJitter   time.Duration `yaml:"reconnect_jitter"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`

	DeviceGroup string   `yaml:"device_group"` // Entity group to list devices from
	DeviceIDs   []string `yaml:"device_ids"`   // Explicit devices, used when no group is set
	Keys        []string `yaml:"keys"`         // Timeseries keys (empty = all)
}

// DatabaseConfig holds the TimescaleDB connection for telemetry.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	// ApplicationName is reported in pg_stat_activity (default: the user agent).
	ApplicationName string `yaml:"application_name"`
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// ConnectionConfig maps the settings onto a connection.Config.
func (c *ThingsBoardConfig) ConnectionConfig() connection.Config {
	return connection.Config{
		Host:            c.Host,
		DisableTLS:      c.DisableTLS,
		Token:           c.Token,
		Username:        c.Username,
		Password:        c.Password,
		ConnectTimeout:  c.ConnectTimeout,
		ResponseTimeout: c.ResponseTimeout,
		Transport: connection.TransportOptions{
			PingInterval:      c.PingInterval,
			ReconnectMinDelay: c.ReconnectMinDelay,
			ReconnectJitter:   c.ReconnectJitter,
			ReconnectMaxDelay: c.ReconnectMaxDelay,
		},
	}
}
