package build

import (
	"context"
	"log/slog"
	"sync"
)

// Lifecycle owns a provisioned environment and releases it exactly once,
// whichever way the pipeline ends.
type Lifecycle struct {
	env    BuildEnvironment
	retain bool
	logger *slog.Logger

	once sync.Once
	err  error
}

// NewLifecycle takes ownership of env. When retain is set Release keeps the
// environment alive and reports where it can be reached.
func NewLifecycle(env BuildEnvironment, retain bool, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{env: env, retain: retain, logger: logger}
}

// Environment returns the owned environment.
func (l *Lifecycle) Environment() BuildEnvironment {
	return l.env
}

// Retained reports whether Release kept the environment.
func (l *Lifecycle) Retained() bool {
	return l.retain
}

// Release tears the environment down on the first call. Later calls return
// the result of the first one.
func (l *Lifecycle) Release(ctx context.Context) error {
	l.once.Do(func() {
		if l.retain {
			l.logger.Warn("retaining build environment, remove it manually when done",
				"environment", l.env.ID(),
				"access", l.env.Describe(),
			)
			return
		}
		l.logger.Debug("tearing down build environment", "environment", l.env.ID())
		l.err = l.env.Cleanup(ctx)
	})
	return l.err
}
