package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration controls the shared allocation log and index regions
type StoreConfiguration struct {
	Name              string `toml:"name"`                // Log directory name under data_dir
	CacheSizeMB       int64  `toml:"cache_size_mb"`       // Pebble block cache
	MemTableSizeMB    int64  `toml:"memtable_size_mb"`    // Pebble write buffer
	MemTableCount     int    `toml:"memtable_count"`      // Memtables before write stall
	WALSyncIntervalMS int    `toml:"wal_sync_interval_ms"` // Min delay between WAL syncs (0 = immediate)
	SyncWrites        bool   `toml:"sync_writes"`         // fsync every group commit
	BatchMaxSize      int    `toml:"batch_max_size"`      // Ops per group commit
	BatchMaxWaitUS    int    `toml:"batch_max_wait_us"`   // Max wait before flushing a partial batch
	CounterBandwidth  uint64 `toml:"counter_bandwidth"`   // Ids leased per persisted counter bump
	CompressionLevel  int    `toml:"compression_level"`   // 0 = off, 1-4 = zstd fastest..best
	RecordCacheSize   int    `toml:"record_cache_size"`   // Decoded payloads kept in memory
	ReclaimIntervalMS int    `toml:"reclaim_interval_ms"` // Free-head advance cadence (0 = off)
}

// DeliveryConfiguration controls the ack/redelivery layer
type DeliveryConfiguration struct {
	ReceiveTimeoutMS int `toml:"receive_timeout_ms"` // Blocking receive bound
	Prefetch         int `toml:"prefetch"`           // Default pending window size per subscription
	ScanBatchSize    int `toml:"scan_batch_size"`    // Records read per cursor scan
	PollIntervalMS   int `toml:"poll_interval_ms"`   // Cursor wakeup fallback
}

// BenchmarkConfiguration controls the index throughput benchmark
type BenchmarkConfiguration struct {
	Shards           int `toml:"shards"`             // Independent indices over one manager
	PreloadThreshold int `toml:"preload_threshold"`  // Records per shard before sampling starts
	SampleDurationMS int `toml:"sample_duration_ms"` // Length of one sample
	Samples          int `toml:"samples"`            // Number of samples to take
	JoinTimeoutMS    int `toml:"join_timeout_ms"`    // Bounded worker join on shutdown
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Shared secret for admin requests ("" = open)
}

// Configuration is the main configuration structure
type Configuration struct {
	BrokerID uint64 `toml:"broker_id"`
	DataDir  string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Delivery   DeliveryConfiguration   `toml:"delivery"`
	Benchmark  BenchmarkConfiguration  `toml:"benchmark"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	BrokerIDFlag   = flag.Uint64("broker-id", 0, "Broker ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	BrokerID: 0, // Auto-generate
	DataDir:  "./quarry-data",

	Store: StoreConfiguration{
		Name:              "store",
		CacheSizeMB:       64,
		MemTableSizeMB:    32,
		MemTableCount:     2,
		WALSyncIntervalMS: 0,
		SyncWrites:        true,
		BatchMaxSize:      100,
		BatchMaxWaitUS:    500,
		CounterBandwidth:  1000,
		CompressionLevel:  0,
		RecordCacheSize:   4096,
		ReclaimIntervalMS: 1000,
	},

	Delivery: DeliveryConfiguration{
		ReceiveTimeoutMS: 5000, // 5 second receive wait
		Prefetch:         1000,
		ScanBatchSize:    128,
		PollIntervalMS:   100,
	},

	Benchmark: BenchmarkConfiguration{
		Shards:           4,
		PreloadThreshold: 10000,
		SampleDurationMS: 5000,
		Samples:          6,
		JoinTimeoutMS:    5000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8161,
		Secret:      "",
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *BrokerIDFlag != 0 {
		Config.BrokerID = *BrokerIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.BrokerID == 0 {
		var err error
		Config.BrokerID, err = generateBrokerID()
		if err != nil {
			return fmt.Errorf("failed to generate broker ID: %w", err)
		}
		log.Info().Uint64("broker_id", Config.BrokerID).Msg("Auto-generated broker ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateBrokerID derives a stable broker ID from the machine ID
func generateBrokerID() (uint64, error) {
	id, err := machineid.ProtectedID("quarry")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Store.Name == "" {
		return fmt.Errorf("store name is required")
	}

	if Config.Store.BatchMaxSize < 1 {
		return fmt.Errorf("store batch max size must be >= 1")
	}

	if Config.Store.BatchMaxWaitUS < 0 {
		return fmt.Errorf("store batch max wait must be >= 0")
	}

	if Config.Store.CounterBandwidth < 1 {
		return fmt.Errorf("store counter bandwidth must be >= 1")
	}

	if Config.Store.CompressionLevel < 0 || Config.Store.CompressionLevel > 4 {
		return fmt.Errorf("invalid compression level: %d (expected 0-4)", Config.Store.CompressionLevel)
	}

	if Config.Store.RecordCacheSize < 0 {
		return fmt.Errorf("record cache size must be >= 0")
	}

	if Config.Delivery.ReceiveTimeoutMS < 1 {
		return fmt.Errorf("delivery receive timeout must be >= 1ms")
	}

	if Config.Delivery.Prefetch < 1 {
		return fmt.Errorf("delivery prefetch must be >= 1")
	}

	if Config.Delivery.ScanBatchSize < 1 {
		return fmt.Errorf("delivery scan batch size must be >= 1")
	}

	if Config.Benchmark.Shards < 1 {
		return fmt.Errorf("benchmark shards must be >= 1")
	}

	if Config.Benchmark.Samples < 1 {
		return fmt.Errorf("benchmark samples must be >= 1")
	}

	if Config.Benchmark.SampleDurationMS < 1 {
		return fmt.Errorf("benchmark sample duration must be >= 1ms")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
