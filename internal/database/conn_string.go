package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/tb-telemetry/internal/config"
	"github.com/rickgao/tb-telemetry/internal/version"
)

// DefaultSSLMode is used when the config leaves ssl_mode empty.
const DefaultSSLMode = "prefer"

// BuildConnString builds the TimescaleDB connection URL. Sessions are tagged
// with application_name so collector connections can be told apart in
// pg_stat_activity.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode
	}

	appName := cfg.ApplicationName
	if appName == "" {
		appName = version.UserAgent()
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", appName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
