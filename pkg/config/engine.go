package config

import "time"

// EngineConfig contains pipeline engine limits and polling behaviour.
type EngineConfig struct {
	// MaxConcurrentRuns caps the number of pipeline runs executing at once.
	// Further starts are rejected until a slot frees up.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// StreamPollInterval is the tick at which run streams sample state.
	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`

	// HTTPStepTimeout is the request deadline enforced by HTTP_REQUEST steps.
	HTTPStepTimeout time.Duration `yaml:"http_step_timeout"`

	// GracefulShutdownTimeout is the max time to wait for live runs to
	// drain during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxConcurrentRuns:       8,
		StreamPollInterval:      100 * time.Millisecond,
		HTTPStepTimeout:         30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}
