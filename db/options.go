package db

import (
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/quarry/cfg"
	"github.com/rs/zerolog/log"
)

// Mode selects how the allocation log is opened
type Mode string

const (
	ModeReadWrite Mode = "rw"
	ModeReadOnly  Mode = "r"
)

// ParseMode accepts "rw" or "r"
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReadWrite, ModeReadOnly:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected rw or r)", s)
	}
}

// Options configures the allocation log and its indices
type Options struct {
	// Memory settings
	CacheSizeMB    int64 // Block cache size
	MemTableSizeMB int64 // Write buffer size
	MemTableCount  int   // Memtables before stalling writes

	// Write path
	WALMinSyncInterval time.Duration // Min delay between WAL syncs
	SyncWrites         bool          // fsync each group commit
	BatchMaxSize       int           // Max ops per group commit
	BatchMaxWait       time.Duration // Max time an op waits for its batch

	CounterBandwidth uint64 // Ids leased per counter persist
	CompressionLevel int    // 0 = off, 1-4 zstd
	RecordCacheSize  int    // Decoded payloads kept in memory (0 = off)
	ReclaimInterval  time.Duration
	MaxRecordSize    uint64 // Largest payload accepted; capped at the 32-bit header length

	// Notifier receives a signal for every newly stored key (optional)
	Notifier StoreNotifier
}

// DefaultOptions returns options from cfg.Config.Store.
// All defaults are defined in cfg/config.go.
func DefaultOptions() Options {
	s := cfg.Config.Store
	return Options{
		CacheSizeMB:        s.CacheSizeMB,
		MemTableSizeMB:     s.MemTableSizeMB,
		MemTableCount:      s.MemTableCount,
		WALMinSyncInterval: time.Duration(s.WALSyncIntervalMS) * time.Millisecond,
		SyncWrites:         s.SyncWrites,
		BatchMaxSize:       s.BatchMaxSize,
		BatchMaxWait:       time.Duration(s.BatchMaxWaitUS) * time.Microsecond,
		CounterBandwidth:   s.CounterBandwidth,
		CompressionLevel:   s.CompressionLevel,
		RecordCacheSize:    s.RecordCacheSize,
		ReclaimInterval:    time.Duration(s.ReclaimIntervalMS) * time.Millisecond,
	}
}

func (o *Options) applyDefaults() {
	if o.CacheSizeMB <= 0 {
		o.CacheSizeMB = 8
	}
	if o.MemTableSizeMB <= 0 {
		o.MemTableSizeMB = 4
	}
	if o.MemTableCount <= 0 {
		o.MemTableCount = 2
	}
	if o.BatchMaxSize <= 0 {
		o.BatchMaxSize = 100
	}
	if o.BatchMaxWait <= 0 {
		o.BatchMaxWait = 500 * time.Microsecond
	}
	if o.CounterBandwidth == 0 {
		o.CounterBandwidth = 1000
	}
	if o.MaxRecordSize == 0 || o.MaxRecordSize > math.MaxUint32 {
		o.MaxRecordSize = math.MaxUint32
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

func openPebble(path string, opts Options, readOnly bool) (*pebble.DB, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB holds its own reference

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB << 20),
		MemTableStopWritesThreshold: opts.MemTableCount,
		ReadOnly:                    readOnly,
		Logger:                      &pebbleLogger{},
	}

	if opts.WALMinSyncInterval > 0 {
		interval := opts.WALMinSyncInterval
		pebbleOpts.WALMinSyncInterval = func() time.Duration { return interval }
	}

	return pebble.Open(path, pebbleOpts)
}
