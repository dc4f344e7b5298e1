package procmgr

import (
	"log/slog"
	"time"
)

// Option configures the PoolManager
type Option func(*PoolManager)

// WithSpawner sets the Spawner implementation
func WithSpawner(s Spawner) Option {
	return func(pm *PoolManager) {
		pm.spawner = s
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(pm *PoolManager) {
		pm.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(pm *PoolManager) {
		pm.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(pm *PoolManager) {
		pm.metrics = mc
	}
}

// WithMailbox sets the signal mailbox shared with request handlers
func WithMailbox(mb *Mailbox) Option {
	return func(pm *PoolManager) {
		pm.mailbox = mb
	}
}

// WithRegistry sets the worker registry
func WithRegistry(r *WorkerRegistry) Option {
	return func(pm *PoolManager) {
		pm.registry = r
	}
}

// WithStatFunc replaces the executable modification time lookup used by
// RESTART, for tests
func WithStatFunc(fn func(path string) (time.Time, error)) Option {
	return func(pm *PoolManager) {
		pm.modTime = fn
	}
}

// WithClassObserver registers fn to be called for every class the manager
// adds, declared or dynamic. It runs on the manager loop and must not block.
func WithClassObserver(fn func(id ClassID)) Option {
	return func(pm *PoolManager) {
		pm.onClass = fn
	}
}
