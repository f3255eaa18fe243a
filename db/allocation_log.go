package db

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/quarry/encoding"
	"github.com/maxpert/quarry/telemetry"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const batchChannelSize = 1024

// appendOp is one queued mutation for the group-commit writer
type appendOp struct {
	fn      func(batch *pebble.Batch) error
	promise *future.Promise[error]
}

// LogStats is a point-in-time view of the allocation log
type LogStats struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only"`
	NextID   uint64 `json:"next_id"`
	LeaseEnd uint64 `json:"lease_end"`
	FreeHead uint64 `json:"free_head"`
	Pending  int    `json:"pending_ops"`
}

// AllocationLog is the append-only record store shared by every index of a manager.
// Records live under strictly increasing offsets, so a torn write can only lose
// the newest batch and never touches committed records.
type AllocationLog struct {
	db       *pebble.DB
	path     string
	readOnly bool
	opts     Options

	rootMu sync.Mutex
	root   IndexItem

	counter *AllocationCounter
	codec   *recordCodec
	cache   *lru.Cache[uint64, []byte]

	// submitMu orders submits against Close so no op is queued after the writer drains
	submitMu  sync.RWMutex
	batchCh   chan *appendOp
	stopBatch chan struct{}
	batchWg   sync.WaitGroup

	stopReclaim chan struct{}
	reclaimWg   sync.WaitGroup
	lowWater    uint64 // owned by the reclaimer goroutine

	closed atomic.Bool
}

func openAllocationLog(path string, mode Mode, startCounter uint64, opts Options) (*AllocationLog, error) {
	readOnly := mode == ModeReadOnly

	if !readOnly {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, &IOError{Op: "create", Path: path, Err: err}
		}
	}

	pdb, err := openPebble(path, opts, readOnly)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	codec, err := newRecordCodec(opts.CompressionLevel)
	if err != nil {
		pdb.Close()
		return nil, &IOError{Op: "init codec", Path: path, Err: err}
	}

	l := &AllocationLog{
		db:       pdb,
		path:     path,
		readOnly: readOnly,
		opts:     opts,
		codec:    codec,
	}

	if err := l.loadRoot(); err != nil {
		codec.Close()
		pdb.Close()
		return nil, &IOError{Op: "read root", Path: path, Err: err}
	}

	if opts.RecordCacheSize > 0 {
		l.cache, _ = lru.New[uint64, []byte](opts.RecordCacheSize)
	}

	l.counter = newAllocationCounter(l.root.Counter, startCounter, opts.CounterBandwidth, readOnly, func(leaseEnd uint64) error {
		return l.updateRoot(func(r *IndexItem) { r.Counter = leaseEnd })
	})

	if !readOnly {
		l.batchCh = make(chan *appendOp, batchChannelSize)
		l.stopBatch = make(chan struct{})
		l.batchWg.Add(1)
		go l.batchWriter()

		l.stopReclaim = make(chan struct{})
		if opts.ReclaimInterval > 0 {
			l.lowWater = l.counter.Peek()
			l.reclaimWg.Add(1)
			go l.reclaimLoop(opts.ReclaimInterval)
		}
	}

	log.Info().
		Str("path", path).
		Str("mode", string(mode)).
		Uint64("next_id", l.counter.Peek()).
		Uint64("free_head", l.root.FreeHead).
		Msg("Allocation log opened")

	return l, nil
}

func (l *AllocationLog) loadRoot() error {
	val, closer, err := l.db.Get([]byte(keyRoot))
	if errors.Is(err, pebble.ErrNotFound) {
		l.root = IndexItem{}
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	var root IndexItem
	if err := encoding.Unmarshal(val, &root); err != nil {
		return fmt.Errorf("malformed allocation root: %w", err)
	}
	l.root = root
	return nil
}

// updateRoot applies fn to a copy of the root and persists it synchronously
func (l *AllocationLog) updateRoot(fn func(r *IndexItem)) error {
	l.rootMu.Lock()
	defer l.rootMu.Unlock()

	next := l.root
	fn(&next)

	raw, err := encoding.Marshal(&next)
	if err != nil {
		return err
	}
	if err := l.db.Set([]byte(keyRoot), raw, pebble.Sync); err != nil {
		return &IOError{Op: "write root", Path: l.path, Err: err}
	}

	l.root = next
	return nil
}

// Root returns a copy of the allocation root
func (l *AllocationLog) Root() IndexItem {
	l.rootMu.Lock()
	defer l.rootMu.Unlock()
	return l.root
}

func failedFuture(err error) *future.Future[error] {
	p := future.NewPromise[error]()
	p.Set(nil, err)
	return p.Future()
}

// submit queues fn for the next group commit
func (l *AllocationLog) submit(fn func(batch *pebble.Batch) error) *future.Future[error] {
	if l.readOnly {
		return failedFuture(ErrReadOnly)
	}

	l.submitMu.RLock()
	defer l.submitMu.RUnlock()

	if l.closed.Load() {
		return failedFuture(ErrClosed)
	}

	p := future.NewPromise[error]()
	l.batchCh <- &appendOp{fn: fn, promise: p}
	return p.Future()
}

// batchWriter runs in a goroutine and group-commits queued ops
func (l *AllocationLog) batchWriter() {
	defer l.batchWg.Done()

	maxSize := l.opts.BatchMaxSize
	maxWait := l.opts.BatchMaxWait
	writeOpts := pebble.NoSync
	if l.opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	ops := make([]*appendOp, 0, maxSize)
	opErrs := make([]error, 0, maxSize)
	timer := time.NewTimer(maxWait)
	timer.Stop()
	timerRunning := false

	flush := func() {
		if len(ops) == 0 {
			return
		}

		start := time.Now()
		batch := l.db.NewBatch()

		opErrs = opErrs[:0]
		for _, op := range ops {
			opErrs = append(opErrs, op.fn(batch))
		}

		commitErr := batch.Commit(writeOpts)
		batch.Close()
		if commitErr != nil {
			commitErr = &IOError{Op: "commit", Path: l.path, Err: commitErr}
			log.Error().Err(commitErr).Int("ops", len(ops)).Msg("Group commit failed")
		}

		for i, op := range ops {
			if opErrs[i] != nil {
				op.promise.Set(nil, opErrs[i])
				continue
			}
			op.promise.Set(nil, commitErr)
		}

		telemetry.LogCommitSeconds.Observe(time.Since(start).Seconds())
		telemetry.LogBatchSize.Observe(float64(len(ops)))

		ops = ops[:0]
		if timerRunning {
			timer.Stop()
			timerRunning = false
		}
	}

	for {
		select {
		case op := <-l.batchCh:
			ops = append(ops, op)

			if len(ops) >= maxSize {
				flush()
			} else if !timerRunning {
				timer.Reset(maxWait)
				timerRunning = true
			}

		case <-timer.C:
			timerRunning = false
			flush()

		case <-l.stopBatch:
			// Drain remaining ops
			for {
				select {
				case op := <-l.batchCh:
					ops = append(ops, op)
					if len(ops) >= maxSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// checkSize rejects payloads whose length does not fit the record header
func (l *AllocationLog) checkSize(n int) error {
	if uint64(n) > l.opts.MaxRecordSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, l.opts.MaxRecordSize)
	}
	return nil
}

// reserve takes the next offset from the shared counter
func (l *AllocationLog) reserve() (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	return l.counter.Next()
}

// append frames payload under entry's offset and queues it for commit
func (l *AllocationLog) append(entry StoreEntry, payload []byte) (StoreEntry, *future.Future[error]) {
	if entry.IsZero() {
		return entry, failedFuture(fmt.Errorf("append: entry was not allocated"))
	}
	if err := l.checkSize(len(payload)); err != nil {
		return entry, failedFuture(err)
	}
	if entry.Type == EntryTypeUnknown {
		entry.Type = EntryTypeMessage
	}
	entry.Length = uint32(len(payload))

	raw := encodeRecord(entry.Type, payload, l.codec)
	key := logKey(entry.Offset)

	fut := l.submit(func(b *pebble.Batch) error {
		return b.Set(key, raw, nil)
	})

	telemetry.LogAppendsTotal.Inc()
	telemetry.LogAppendBytesTotal.Add(float64(len(payload)))
	return entry, fut
}

// read returns the payload of a committed record.
// Cached payloads are shared and must not be modified.
func (l *AllocationLog) read(entry StoreEntry) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if l.cache != nil {
		if v, ok := l.cache.Get(entry.Offset); ok {
			telemetry.LogCacheHitsTotal.With("hit").Inc()
			return v, nil
		}
		telemetry.LogCacheHitsTotal.With("miss").Inc()
	}

	val, closer, err := l.db.Get(logKey(entry.Offset))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("record %d: %w", entry.Offset, ErrNotFound)
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: l.path, Err: err}
	}

	t, payload, err := decodeRecord(entry.Offset, val, l.codec)
	closer.Close()
	if err != nil {
		return nil, err
	}
	if entry.Type != EntryTypeUnknown && t != entry.Type {
		return nil, &CorruptRecordError{Offset: entry.Offset, Reason: fmt.Sprintf("type %s, expected %s", t, entry.Type)}
	}

	if l.cache != nil {
		l.cache.Add(entry.Offset, payload)
	}
	return payload, nil
}

// free deletes a record inside a pending batch
func (l *AllocationLog) free(b *pebble.Batch, entry StoreEntry) error {
	if entry.IsZero() {
		return nil
	}
	if l.cache != nil {
		l.cache.Remove(entry.Offset)
	}
	return b.Delete(logKey(entry.Offset), nil)
}

func (l *AllocationLog) reclaimLoop(interval time.Duration) {
	defer l.reclaimWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopReclaim:
			return
		case <-ticker.C:
			if err := l.reclaimOnce(); err != nil {
				log.Warn().Err(err).Str("path", l.path).Msg("Free head advance failed")
			}
		}
	}
}

// reclaimOnce advances FreeHead to the oldest live record. The scan stops at the
// counter value seen on the previous pass, so offsets still being written are
// never skipped over.
func (l *AllocationLog) reclaimOnce() error {
	limit := l.lowWater
	l.lowWater = l.counter.Peek()

	head := l.Root().FreeHead
	if head >= limit {
		return nil
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(head),
		UpperBound: logKey(limit),
	})
	if err != nil {
		return err
	}

	newHead := limit
	if iter.First() {
		off, perr := parseLogKey(iter.Key())
		if perr != nil {
			iter.Close()
			return fmt.Errorf("malformed log key %q: %w", iter.Key(), perr)
		}
		newHead = off
	}
	if err := iter.Close(); err != nil {
		return err
	}

	if newHead <= head {
		return nil
	}

	if err := l.updateRoot(func(r *IndexItem) { r.FreeHead = newHead }); err != nil {
		return err
	}

	telemetry.LogReclaimedTotal.Add(float64(newHead - head))
	log.Debug().Uint64("from", head).Uint64("to", newHead).Msg("Advanced free head")
	return nil
}

// Stats returns a snapshot of log positions
func (l *AllocationLog) Stats() LogStats {
	root := l.Root()
	return LogStats{
		Path:     l.path,
		ReadOnly: l.readOnly,
		NextID:   l.counter.Peek(),
		LeaseEnd: root.Counter,
		FreeHead: root.FreeHead,
		Pending:  len(l.batchCh),
	}
}

// Close drains the writer, persists the counter and closes the store.
// Each step runs even if an earlier one failed.
func (l *AllocationLog) Close() error {
	l.submitMu.Lock()
	if l.closed.Swap(true) {
		l.submitMu.Unlock()
		return nil
	}
	l.submitMu.Unlock()

	if !l.readOnly {
		close(l.stopReclaim)
		l.reclaimWg.Wait()

		close(l.stopBatch)
		l.batchWg.Wait()
	}

	var errs error
	if err := l.counter.Close(); err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("Failed to persist allocation counter")
		errs = multierr.Append(errs, err)
	}

	l.codec.Close()

	if err := l.db.Close(); err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("Failed to close allocation log")
		errs = multierr.Append(errs, &IOError{Op: "close", Path: l.path, Err: err})
	}

	log.Info().Str("path", l.path).Msg("Allocation log closed")
	return errs
}
