package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/quarry/cfg"
	"github.com/maxpert/quarry/db"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runBenchmark(args)
	case "version":
		fmt.Printf("quarry-bench version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`quarry-bench - index throughput benchmark

Usage:
  quarry-bench <command> [options]

Commands:
  run       Run producer/consumer pairs against independent indices
  version   Print version
  help      Show this help

Run Options:
  --config          Broker config file supplying store and benchmark defaults
  --data-dir        Directory for the store (default: temporary directory)
  --store           Store name under data-dir (default: bench)
  --keep            Keep the temporary store after the run (default: false)
  --shards          Producer/consumer pairs, one index each
  --preload         Records per shard before sampling starts
  --payload         Bytes per stored record (default: 64)
  --sample          Length of one sample (e.g., 5s)
  --samples         Number of samples
  --join-timeout    Bounded wait for workers on shutdown
  --verbose         Debug logging

Examples:
  quarry-bench run --shards=4 --preload=10000 --sample=5s --samples=12
  quarry-bench run --config=quarry.toml --data-dir=/tmp/bench`)
}

func runBenchmark(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.String("config", "", "Broker config file")

	// Flag defaults come from cfg.Config, so a config file has to be read first
	if path := peekConfigPath(args); path != "" {
		if err := cfg.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	c := defaultConfig()
	var verbose bool
	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	fs.StringVar(&c.DataDir, "data-dir", "", "Directory for the store")
	fs.StringVar(&c.Store, "store", c.Store, "Store name under data-dir")
	fs.BoolVar(&c.KeepData, "keep", false, "Keep the temporary store after the run")
	fs.IntVar(&c.Shards, "shards", c.Shards, "Producer/consumer pairs")
	fs.IntVar(&c.PreloadThreshold, "preload", c.PreloadThreshold, "Records per shard before sampling")
	fs.IntVar(&c.PayloadSize, "payload", c.PayloadSize, "Bytes per stored record")
	fs.DurationVar(&c.SampleDuration, "sample", c.SampleDuration, "Length of one sample")
	fs.IntVar(&c.Samples, "samples", c.Samples, "Number of samples")
	fs.DurationVar(&c.JoinTimeout, "join-timeout", c.JoinTimeout, "Bounded wait for workers on shutdown")
	fs.BoolVar(&verbose, "verbose", false, "Debug logging")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := c.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	if err := executeRun(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
}

func executeRun(ctx context.Context, c *Config) error {
	dir := c.DataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "quarry-bench-")
		if err != nil {
			return err
		}
		dir = tmp
		if !c.KeepData {
			defer os.RemoveAll(tmp)
		}
	}

	mgr, err := db.Open(dir, c.Store, db.ModeReadWrite, 0, db.DefaultOptions())
	if err != nil {
		return err
	}

	fmt.Printf("Starting %d producers against %s\n", c.Shards, mgr.Path())

	reporter := NewReporter(os.Stdout)
	res, err := NewRunner(c, mgr, reporter).Run(ctx)
	reporter.Final(res)

	if err != nil && ctx.Err() != nil {
		// Interrupted or time-limited: partial results are still results
		return nil
	}
	return err
}

// peekConfigPath finds -config/--config in args before the flag set is built
func peekConfigPath(args []string) string {
	for i, a := range args {
		for _, name := range []string{"-config", "--config"} {
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
			if len(a) > len(name)+1 && a[:len(name)+1] == name+"=" {
				return a[len(name)+1:]
			}
		}
	}
	return ""
}
