package config

import (
	"os"
	"strings"
)

// Environment variables read by FromEnv.
const (
	EnvHost        = "THINGSBOARD_HOST"
	EnvToken       = "THINGSBOARD_TOKEN"
	EnvUser        = "THINGSBOARD_USER"
	EnvPassword    = "THINGSBOARD_PASSWORD"
	EnvDeviceGroup = "THINGSBOARD_DEVICE_GROUP"
	EnvKeys        = "THINGSBOARD_KEYS"
)

// FromEnv builds ThingsBoard settings from THINGSBOARD_* variables.
// The host defaults to DefaultHost.
func FromEnv() ThingsBoardConfig {
	cfg := ThingsBoardConfig{
		Host:        os.Getenv(EnvHost),
		Token:       os.Getenv(EnvToken),
		Username:    os.Getenv(EnvUser),
		Password:    os.Getenv(EnvPassword),
		DeviceGroup: os.Getenv(EnvDeviceGroup),
	}
	if keys := os.Getenv(EnvKeys); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Keys = append(cfg.Keys, k)
			}
		}
	}
	cfg.applyDefaults()
	return cfg
}
