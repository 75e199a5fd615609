package connection

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "token",
			cfg:  Config{Host: "thingsboard.cloud", Token: "jwt"},
		},
		{
			name: "username and password",
			cfg:  Config{Host: "thingsboard.cloud", Username: "tenant@thingsboard.org", Password: "secret"},
		},
		{
			name:    "missing host",
			cfg:     Config{Token: "jwt"},
			wantErr: "host is required",
		},
		{
			name:    "username without password",
			cfg:     Config{Host: "h", Username: "u"},
			wantErr: "password is required with username",
		},
		{
			name:    "password without username",
			cfg:     Config{Host: "h", Password: "p"},
			wantErr: "username is required with password",
		},
		{
			name:    "token and credentials",
			cfg:     Config{Host: "h", Token: "jwt", Username: "u", Password: "p"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "no credentials",
			cfg:     Config{Host: "h"},
			wantErr: "token or username/password is required",
		},
		{
			name:    "negative timeout",
			cfg:     Config{Host: "h", Token: "jwt", ResponseTimeout: -time.Second},
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Schemes(t *testing.T) {
	secure := Config{Host: "thingsboard.cloud"}
	if secure.WSScheme() != "wss" || secure.HTTPScheme() != "https" {
		t.Errorf("secure schemes = %s/%s", secure.WSScheme(), secure.HTTPScheme())
	}
	if got := secure.APIBaseURL(); got != "https://thingsboard.cloud" {
		t.Errorf("APIBaseURL = %q", got)
	}

	plain := Config{Host: "localhost:8080", DisableTLS: true}
	if plain.WSScheme() != "ws" || plain.HTTPScheme() != "http" {
		t.Errorf("plain schemes = %s/%s", plain.WSScheme(), plain.HTTPScheme())
	}
}

func TestEndpointURL(t *testing.T) {
	got := EndpointURL("wss", "thingsboard.cloud", "a.b+c/d")

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" {
		t.Errorf("scheme = %s", u.Scheme)
	}
	if u.Host != "thingsboard.cloud" {
		t.Errorf("host = %s", u.Host)
	}
	if u.Path != TelemetryPath {
		t.Errorf("path = %s, want %s", u.Path, TelemetryPath)
	}
	if tok := u.Query().Get("token"); tok != "a.b+c/d" {
		t.Errorf("token = %q", tok)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Host: "h", Token: "t"}
	cfg.applyDefaults()

	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
	if cfg.Transport.ReconnectMinDelay != DefaultReconnectMinDelay {
		t.Errorf("ReconnectMinDelay = %v", cfg.Transport.ReconnectMinDelay)
	}
	if cfg.Transport.ReconnectFactor != DefaultReconnectFactor {
		t.Errorf("ReconnectFactor = %v", cfg.Transport.ReconnectFactor)
	}
	if cfg.Transport.BufferSize != 1000 {
		t.Errorf("BufferSize = %d", cfg.Transport.BufferSize)
	}

	cfg = Config{Host: "h", Token: "t", ConnectTimeout: time.Second}
	cfg.applyDefaults()
	if cfg.ConnectTimeout != time.Second {
		t.Errorf("ConnectTimeout overridden: %v", cfg.ConnectTimeout)
	}
}
