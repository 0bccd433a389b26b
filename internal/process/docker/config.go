package docker

import (
	"time"

	"segmentd/internal/config"
)

// Config holds configuration for the container launcher.
type Config struct {
	Image       string        // image every spawned process runs in (required)
	Binds       []string      // host:container bind mounts (e.g. dataset and output roots)
	ExtraHosts  []string      // extra /etc/hosts entries
	GPUs        bool          // request all GPUs through the container runtime
	StopTimeout time.Duration // grace period docker applies when stopping during cleanup

	OutputFlushTimeout time.Duration // how long to drain the attach stream after exit
}

// LoadConfigFromEnv loads container launcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Image:       config.GetEnv("TRAINING_IMAGE", ""),
		Binds:       config.GetFieldsEnv("TRAINING_BINDS", nil),
		ExtraHosts:  config.GetFieldsEnv("TRAINING_EXTRA_HOSTS", nil),
		GPUs:        config.GetBoolEnv("TRAINING_GPUS", false),
		StopTimeout: config.GetDurationEnv("TRAINING_STOP_GRACE", 10*time.Second),

		OutputFlushTimeout: config.GetDurationEnv("TRAINING_OUTPUT_FLUSH_TIMEOUT", 5*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.OutputFlushTimeout <= 0 {
		c.OutputFlushTimeout = 5 * time.Second
	}
	return c
}
