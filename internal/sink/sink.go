// Package sink delivers records to external systems. Every sink accepts only
// record.Record envelopes, which are built from validated data.
package sink

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/shortontech/cellscan/internal/record"
)

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(r record.Record) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}

// Helper functions
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
