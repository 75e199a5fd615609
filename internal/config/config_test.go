package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/tb-telemetry/internal/connection"
)

const baseYAML = `
instance:
  id: collector-1
thingsboard:
  host: tb.example.com:8080
  disable_tls: true
  username: tenant@thingsboard.org
  password: ${TEST_TB_PASSWORD}
  connect_timeout: 5s
  device_group: 9a7b5c10-2f64-11ee-be56-0242ac120002
  keys: [temperature, humidity]
database:
  timescale:
    host: localhost
    name: telemetry
    user: tb
    password: secret
`

func TestLoad(t *testing.T) {
	t.Setenv("TEST_TB_PASSWORD", "tenant")
	path := writeTempFile(t, baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tb := cfg.ThingsBoard
	if tb.Host != "tb.example.com:8080" || !tb.DisableTLS {
		t.Errorf("ThingsBoard = %+v", tb)
	}
	if tb.Password != "tenant" {
		t.Errorf("Password = %q, want %q", tb.Password, "tenant")
	}
	if tb.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", tb.ConnectTimeout)
	}
	if len(tb.Keys) != 2 || tb.Keys[1] != "humidity" {
		t.Errorf("Keys = %v", tb.Keys)
	}
	if cfg.Database.Timescale.Name != "telemetry" {
		t.Errorf("Database.Timescale.Name = %q", cfg.Database.Timescale.Name)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeTempFile(t, "thingsboard:\n  hots: typo\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.ThingsBoard.Host != "" {
		t.Errorf("Host = %q", cfg.ThingsBoard.Host)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: c\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.ThingsBoard.Host != DefaultHost {
		t.Errorf("Host = %q, want default %q", cfg.ThingsBoard.Host, DefaultHost)
	}
	if cfg.ThingsBoard.SubscribeTimeout != DefaultSubscribeTimeout {
		t.Errorf("SubscribeTimeout = %v", cfg.ThingsBoard.SubscribeTimeout)
	}
	if cfg.Database.Timescale.Port != DefaultDBPort {
		t.Errorf("Port = %d, want default %d", cfg.Database.Timescale.Port, DefaultDBPort)
	}
	if cfg.Writer.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want default %d", cfg.Writer.BatchSize, DefaultBatchSize)
	}
	if cfg.Writer.FlushInterval != DefaultFlushInterval {
		t.Errorf("FlushInterval = %v", cfg.Writer.FlushInterval)
	}
}

func TestLoadAndValidate(t *testing.T) {
	t.Setenv("TEST_TB_PASSWORD", "tenant")
	path := writeTempFile(t, baseYAML)

	if _, err := LoadAndValidate(path); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	t.Setenv("TEST_TB_PASSWORD", "")
	_, err := LoadAndValidate(path)
	if !errors.Is(err, connection.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func validConfig() CollectorConfig {
	cfg := CollectorConfig{
		Instance: InstanceConfig{ID: "c"},
		ThingsBoard: ThingsBoardConfig{
			Token:     "jwt",
			DeviceIDs: []string{"d1"},
		},
		Database: DatabaseConfig{Timescale: DBConfig{
			Host: "localhost", Name: "telemetry", User: "tb", Password: "secret",
		}},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CollectorConfig)
		wantErr string
	}{
		{"valid", func(*CollectorConfig) {}, ""},
		{"missing instance id", func(c *CollectorConfig) { c.Instance.ID = "" }, "instance.id is required"},
		{"no credentials", func(c *CollectorConfig) { c.ThingsBoard.Token = "" }, "token or username/password is required"},
		{"no devices", func(c *CollectorConfig) { c.ThingsBoard.DeviceIDs = nil }, "device_group or thingsboard.device_ids"},
		{"negative subscribe timeout", func(c *CollectorConfig) { c.ThingsBoard.SubscribeTimeout = -time.Second }, "subscribe_timeout"},
		{"missing db host", func(c *CollectorConfig) { c.Database.Timescale.Host = "" }, "database.timescale.host is required"},
		{"min exceeds max", func(c *CollectorConfig) { c.Database.Timescale.MinConns = 20 }, "cannot exceed max_conns"},
		{"batch size", func(c *CollectorConfig) { c.Writer.BatchSize = -1 }, "writer.batch_size"},
		{"buffer size", func(c *CollectorConfig) { c.Writer.BufferSize = -1 }, "writer.buffer_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvHost, "")
	t.Setenv(EnvToken, "jwt")
	t.Setenv(EnvUser, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvDeviceGroup, "group-1")
	t.Setenv(EnvKeys, "temperature, humidity,")

	cfg := FromEnv()
	if cfg.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Token != "jwt" || cfg.DeviceGroup != "group-1" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Keys) != 2 || cfg.Keys[0] != "temperature" || cfg.Keys[1] != "humidity" {
		t.Errorf("Keys = %v", cfg.Keys)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConnectionConfig(t *testing.T) {
	tb := ThingsBoardConfig{
		Host:              "h",
		DisableTLS:        true,
		Username:          "u",
		Password:          "p",
		ResponseTimeout:   2 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
	}
	cc := tb.ConnectionConfig()
	if cc.Host != "h" || !cc.DisableTLS || cc.Username != "u" || cc.Password != "p" {
		t.Errorf("ConnectionConfig = %+v", cc)
	}
	if cc.ResponseTimeout != 2*time.Second || cc.Transport.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ConnectionConfig timeouts = %+v", cc)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
