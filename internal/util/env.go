package util

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment value for key or defaultValue when unset
func GetEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		Warn("Invalid integer environment value, using default",
			String("key", key), String("value", value), Int("default", defaultValue))
		return defaultValue
	}
	return parsed
}

func GetEnvBool(key string, defaultValue bool) bool {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		Warn("Invalid boolean environment value, using default",
			String("key", key), String("value", value), Bool("default", defaultValue))
		return defaultValue
	}
	return parsed
}

// GetEnvDuration accepts Go duration strings ("15m", "720h")
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		Warn("Invalid duration environment value, using default",
			String("key", key), String("value", value), Duration("default", defaultValue))
		return defaultValue
	}
	return parsed
}

// GetEnvSlice splits a comma separated value and drops empty items
func GetEnvSlice(key string, defaultValue []string) []string {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
