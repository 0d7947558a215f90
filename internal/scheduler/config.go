package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	JobTimeout       time.Duration
	DunningBatchSize int
	ReplayBatchSize  int
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		JobTimeout:       30 * time.Second,
		DunningBatchSize: 100,
		ReplayBatchSize:  50,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.DunningBatchSize <= 0 {
		c.DunningBatchSize = defaults.DunningBatchSize
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = defaults.ReplayBatchSize
	}
	return c
}
