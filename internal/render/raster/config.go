package raster

import (
	"fmt"
)

// Config bounds what a single render may allocate
type Config struct {
	MaxPixels           int64 // output width*height
	MaxDimension        int   // output width or height
	MemoryHeadroomBytes int64 // free memory that must remain after a render; 0 disables the check
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		MaxPixels:           64 * 1024 * 1024,
		MaxDimension:        16384,
		MemoryHeadroomBytes: 256 * 1024 * 1024,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxPixels <= 0 {
		return fmt.Errorf("max pixels must be positive")
	}
	if c.MaxDimension <= 0 {
		return fmt.Errorf("max dimension must be positive")
	}
	if c.MemoryHeadroomBytes < 0 {
		return fmt.Errorf("memory headroom cannot be negative")
	}
	return nil
}
