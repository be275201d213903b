package scheduler

import (
	"fmt"
	"time"
)

// DefaultParallelism is the number of jobs allowed to run at once
const DefaultParallelism = 2

// Config holds scheduler settings
type Config struct {
	Parallelism     int           // Maximum concurrently running jobs
	ShutdownTimeout time.Duration // Graceful drain timeout for Shutdown
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() *Config {
	return &Config{
		Parallelism:     DefaultParallelism,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
