package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/maxpert/quarry/db"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Result summarizes one run
type Result struct {
	Shards       int
	Stats        *Stats
	Samples      []Sample
	Remaining    int // records still stored across all shards at shutdown
	JoinTimedOut bool
	CloseErr     error
}

// Runner drives one producer and one consumer per shard against a shared
// manager. It takes ownership of the manager and closes it when Run returns.
type Runner struct {
	cfg      *Config
	mgr      *db.Manager
	reporter *Reporter
	payload  []byte
}

func NewRunner(cfg *Config, mgr *db.Manager, reporter *Reporter) *Runner {
	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	return &Runner{cfg: cfg, mgr: mgr, reporter: reporter, payload: payload}
}

func recordKey(n uint64) string {
	return fmt.Sprintf("a-long-message-id-like-key-%d", n)
}

// Run preloads every shard, starts the consumers, takes the configured samples
// and shuts everything down. Cleanup always runs; its failures are logged and
// reported in Result.CloseErr rather than returned.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{Shards: r.cfg.Shards, Stats: NewStats()}

	indices := make([]*db.Index, 0, r.cfg.Shards)
	for i := 0; i < r.cfg.Shards; i++ {
		idx, err := r.mgr.OpenOrCreate(ShardName(i))
		if err != nil {
			res.CloseErr = r.shutdown(indices)
			return res, fmt.Errorf("open shard %d: %w", i, err)
		}
		indices = append(indices, idx)
	}

	workerCtx, stop := context.WithCancel(ctx)
	defer stop()

	var workers sync.WaitGroup
	var preload sync.WaitGroup
	preload.Add(len(indices))

	start := time.Now()
	for _, idx := range indices {
		workers.Add(1)
		go func(idx *db.Index) {
			defer workers.Done()
			r.produce(workerCtx, idx, res.Stats, preload.Done)
		}(idx)
	}

	log.Info().Int("shards", len(indices)).Int("preload", r.cfg.PreloadThreshold).Msg("Producers started")

	runErr := waitGroup(ctx, &preload)
	if runErr == nil {
		if r.reporter != nil {
			r.reporter.Preloaded(r.cfg.PreloadThreshold*len(indices), time.Since(start))
		}

		for _, idx := range indices {
			workers.Add(1)
			go func(idx *db.Index) {
				defer workers.Done()
				r.consume(workerCtx, idx, res.Stats)
			}(idx)
		}
		log.Info().Int("shards", len(indices)).Msg("Consumers started")

		res.Samples, runErr = r.sample(ctx, res.Stats)
	}

	log.Info().Msg("Shutting down producers and consumers")
	stop()
	if !joinWithTimeout(&workers, r.cfg.JoinTimeout) {
		res.JoinTimedOut = true
		log.Warn().Dur("timeout", r.cfg.JoinTimeout).Msg("Workers did not stop in time, closing anyway")
	}

	for _, idx := range indices {
		res.Remaining += idx.Len()
	}

	res.CloseErr = r.shutdown(indices)
	return res, runErr
}

func (r *Runner) sample(ctx context.Context, stats *Stats) ([]Sample, error) {
	if r.reporter != nil {
		r.reporter.Header(r.cfg.Samples, r.cfg.SampleDuration)
	}

	samples := make([]Sample, 0, r.cfg.Samples)
	stats.Reset()
	began := time.Now()

	for i := 0; i < r.cfg.Samples; i++ {
		windowStart := time.Now()
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-time.After(r.cfg.SampleDuration):
		}

		p, c := stats.Take()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		s := Sample{
			Elapsed:     time.Since(began),
			Window:      time.Since(windowStart),
			Produced:    p,
			Consumed:    c,
			HeapAllocKB: ms.HeapAlloc / 1024,
		}
		samples = append(samples, s)
		if r.reporter != nil {
			r.reporter.Sample(s)
		}
	}
	return samples, nil
}

// produce stores sequential keys until ctx is cancelled. preloaded is called
// once the shard holds the preload threshold.
func (r *Runner) produce(ctx context.Context, idx *db.Index, stats *Stats, preloaded func()) {
	signalled := false
	signal := func() {
		if !signalled {
			signalled = true
			preloaded()
		}
	}
	defer signal()

	var n uint64
	for ctx.Err() == nil {
		begin := time.Now()
		_, err := idx.StoreRecord(recordKey(n), db.EntryTypeBenchmark, r.payload)
		if err != nil {
			if stopping(err) {
				return
			}
			stats.RecordError()
			log.Warn().Err(err).Str("index", idx.Name()).Msg("Store failed")
			continue
		}

		stats.RecordProduced(time.Since(begin))
		n++
		if n >= uint64(r.cfg.PreloadThreshold) {
			signal()
		}
	}
}

// consume removes keys in production order, spinning while the next key is
// not stored yet
func (r *Runner) consume(ctx context.Context, idx *db.Index, stats *Stats) {
	var n uint64
	for ctx.Err() == nil {
		key := recordKey(n)
		if _, err := idx.Get(key); err != nil {
			if stopping(err) {
				return
			}
			runtime.Gosched()
			continue
		}

		if err := idx.Remove(key); err != nil {
			if stopping(err) {
				return
			}
			stats.RecordError()
			log.Warn().Err(err).Str("index", idx.Name()).Str("key", key).Msg("Remove failed")
			continue
		}

		stats.RecordConsumed()
		n++
	}
}

// shutdown releases every shard and closes the manager. Each failure is
// logged and the remaining steps still run.
func (r *Runner) shutdown(indices []*db.Index) error {
	var errs error
	for _, idx := range indices {
		if err := r.mgr.Release(idx.Name()); err != nil {
			log.Warn().Err(err).Str("index", idx.Name()).Msg("Failed to release shard")
			errs = multierr.Append(errs, err)
		}
	}

	if err := r.mgr.Close(); err != nil {
		log.Warn().Err(err).Msg("Manager close reported failures")
		errs = multierr.Append(errs, err)
	}

	log.Info().Msg("Shutdown complete")
	return errs
}

func stopping(err error) bool {
	return errors.Is(err, db.ErrClosed) || errors.Is(err, db.ErrNotLoaded)
}

// waitGroup waits for wg or ctx, whichever comes first
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinWithTimeout reports whether wg finished within timeout
func joinWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
