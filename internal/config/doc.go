// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// The streaming CLI reads its settings from THINGSBOARD_* variables instead (see FromEnv).
package config
