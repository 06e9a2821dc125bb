package relay

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetenvOrDefault returns the trimmed value of key, or defaultValue when the
// variable is unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault parses key with strconv.ParseBool.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(GetenvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault parses key as a base-10 integer.
func GetenvIntOrDefault(key string, defaultValue int) int {
	value, err := strconv.Atoi(GetenvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvDurationOrDefault parses key with time.ParseDuration.
func GetenvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(GetenvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvListOrDefault splits key on commas, dropping blank entries.
func GetenvListOrDefault(key string, defaultValue []string) []string {
	raw := GetenvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}

	var out []string

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	if len(out) == 0 {
		return defaultValue
	}

	return out
}
