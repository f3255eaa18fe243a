package main

import (
	"fmt"
	"time"

	"github.com/maxpert/quarry/cfg"
)

type Config struct {
	// Storage
	DataDir  string
	Store    string
	KeepData bool

	// Load shape
	Shards           int
	PreloadThreshold int
	PayloadSize      int

	// Sampling
	SampleDuration time.Duration
	Samples        int

	// Shutdown
	JoinTimeout time.Duration
}

// defaultConfig seeds flag defaults from the benchmark section of cfg.Config
func defaultConfig() *Config {
	b := cfg.Config.Benchmark
	return &Config{
		Store:            "bench",
		Shards:           b.Shards,
		PreloadThreshold: b.PreloadThreshold,
		PayloadSize:      64,
		SampleDuration:   time.Duration(b.SampleDurationMS) * time.Millisecond,
		Samples:          b.Samples,
		JoinTimeout:      time.Duration(b.JoinTimeoutMS) * time.Millisecond,
	}
}

func (c *Config) Validate() error {
	if c.Store == "" {
		return fmt.Errorf("store name cannot be empty")
	}

	if c.Shards < 1 {
		return fmt.Errorf("shards must be at least 1")
	}

	if c.PreloadThreshold < 0 {
		return fmt.Errorf("preload threshold must be non-negative")
	}

	if c.PayloadSize < 0 {
		return fmt.Errorf("payload size must be non-negative")
	}

	if c.Samples < 1 {
		return fmt.Errorf("samples must be at least 1")
	}

	if c.SampleDuration <= 0 {
		return fmt.Errorf("sample duration must be positive")
	}

	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}

	return nil
}

// ShardName is the index used by shard i
func ShardName(i int) string {
	return fmt.Sprintf("bench-%d", i)
}
