package stores

import (
	"context"
	"time"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// Store is the full persistence surface used by Dockyard.
type Store interface {
	engine.ResourceStore
	engine.ServerStore
	engine.ProjectStore
	engine.AuditLog

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// storedVar is the persisted form of a variable. engine.EnvVar masks
// secrets when marshaled, so it cannot be stored directly.
type storedVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

func toStoredVars(vars []engine.EnvVar) []storedVar {
	out := make([]storedVar, len(vars))
	for i, v := range vars {
		out[i] = storedVar{Key: v.Key, Value: v.Value, Secret: v.Secret}
	}
	return out
}

func fromStoredVars(vars []storedVar) []engine.EnvVar {
	out := make([]engine.EnvVar, len(vars))
	for i, v := range vars {
		out[i] = engine.EnvVar{Key: v.Key, Value: v.Value, Secret: v.Secret}
	}
	return out
}

// Timestamps are stored as Unix nanoseconds so range queries compare numerically.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
