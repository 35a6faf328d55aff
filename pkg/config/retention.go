package config

import "time"

// RetentionConfig controls data retention and cleanup behaviour.
type RetentionConfig struct {
	// TrashTTL is the maximum age of soft-deleted files under .trash/
	// before the sweeper removes them for good.
	TrashTTL time.Duration `yaml:"trash_ttl"`

	// RunRetentionDays is how many days to keep persisted pipeline_run
	// entities from finished runs.
	RunRetentionDays int `yaml:"run_retention_days"`

	// SweepInterval is how often the cleanup loop runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		TrashTTL:         30 * 24 * time.Hour,
		RunRetentionDays: 30,
		SweepInterval:    12 * time.Hour,
	}
}
