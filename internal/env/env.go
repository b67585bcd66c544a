// Package env reads process environment variables with typed fallbacks, for
// the handful of bootstrap settings (log level, log directory, theme) that
// have to be known before the config loader itself can start.
package env

import (
	"os"
	"strconv"
)

// GetEnvOrDefault returns the named environment variable, or def if unset.
func GetEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// GetEnvIntOrDefault returns the named environment variable parsed as an
// int, or def if unset or unparseable.
func GetEnvIntOrDefault(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetEnvBoolOrDefault returns the named environment variable parsed as a
// bool, or def if unset or unparseable.
func GetEnvBoolOrDefault(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
