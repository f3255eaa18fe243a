package db

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/quarry/encoding"
	"github.com/maxpert/quarry/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Striped key locks give per-key atomicity without a lock per key
const indexLockShards = 256

// allocator is the slice of the manager an index may call back into
type allocator interface {
	CreateNewIndexEntry() (StoreEntry, error)
}

// indexValue is what the key region stores for each key
type indexValue struct {
	Seq   uint64     `msgpack:"s"`
	Entry StoreEntry `msgpack:"e"`
}

// indexMeta is the registry record of one index
type indexMeta struct {
	Name      string `msgpack:"n"`
	CreatedAt int64  `msgpack:"c"`
	NextSeq   uint64 `msgpack:"q"`
	Records   int    `msgpack:"r"`
}

// IndexRecord is one key in insertion order
type IndexRecord struct {
	Key   string
	Seq   uint64
	Entry StoreEntry
}

// IndexInfo describes an index for listings
type IndexInfo struct {
	Name      string    `json:"name"`
	Loaded    bool      `json:"loaded"`
	Records   int       `json:"records"`
	NextSeq   uint64    `json:"next_seq"`
	Refs      int       `json:"refs"`
	CreatedAt time.Time `json:"created_at"`
}

// Index maps keys to log entries for one destination or benchmark shard.
// Every key also holds a sequence number fixing its insertion position;
// replacing a key keeps its position.
type Index struct {
	name     string
	log      *AllocationLog
	alloc    allocator
	notifier StoreNotifier

	// stateMu: data ops hold it shared, Load/Unload hold it exclusively
	stateMu   sync.RWMutex
	loaded    bool
	entries   *xsync.MapOf[string, indexValue]
	nextSeq   atomic.Uint64
	createdAt int64
	locks     [indexLockShards]sync.Mutex

	refs int // guarded by the manager mutex

	beforeUnload func() error
}

func newIndex(name string, l *AllocationLog, alloc allocator, notifier StoreNotifier) *Index {
	return &Index{
		name:     name,
		log:      l,
		alloc:    alloc,
		notifier: notifier,
	}
}

func (x *Index) Name() string { return x.name }

func (x *Index) lockFor(key string) *sync.Mutex {
	return &x.locks[xxhash.Sum64String(key)%indexLockShards]
}

// Loaded reports whether the index is materialized in memory
func (x *Index) Loaded() bool {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	return x.loaded
}

// Load materializes the on-disk region. A malformed key or order entry fails
// with CorruptIndexError and leaves the index unloaded.
func (x *Index) Load() error {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()

	if x.loaded {
		return nil
	}

	start := time.Now()
	meta, err := x.readMeta()
	if err != nil {
		return err
	}

	entries := xsync.NewMapOf[string, indexValue]()
	maxSeq, err := x.loadKeys(entries)
	if err != nil {
		return err
	}
	if err := x.verifyOrder(entries); err != nil {
		return err
	}

	if meta.NextSeq > maxSeq {
		maxSeq = meta.NextSeq
	}

	x.entries = entries
	x.nextSeq.Store(maxSeq)
	x.createdAt = meta.CreatedAt
	x.loaded = true

	log.Debug().
		Str("index", x.name).
		Int("records", entries.Size()).
		Uint64("next_seq", maxSeq).
		Dur("took", time.Since(start)).
		Msg("Index loaded")
	return nil
}

func (x *Index) readMeta() (indexMeta, error) {
	val, closer, err := x.log.db.Get(indexMetaKey(x.name))
	if errors.Is(err, pebble.ErrNotFound) {
		return indexMeta{Name: x.name}, nil
	}
	if err != nil {
		return indexMeta{}, &IOError{Op: "read meta", Path: x.name, Err: err}
	}
	defer closer.Close()

	var meta indexMeta
	if err := encoding.Unmarshal(val, &meta); err != nil {
		return indexMeta{}, &CorruptIndexError{Index: x.name, Err: fmt.Errorf("registry record: %w", err)}
	}
	return meta, nil
}

func (x *Index) loadKeys(entries *xsync.MapOf[string, indexValue]) (uint64, error) {
	prefix := indexKeyPrefix(x.name)
	iter, err := x.log.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, &IOError{Op: "scan", Path: x.name, Err: err}
	}
	defer iter.Close()

	var maxSeq uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefix):])
		raw, err := iter.ValueAndErr()
		if err != nil {
			return 0, &IOError{Op: "scan", Path: x.name, Err: err}
		}

		var v indexValue
		if err := encoding.Unmarshal(raw, &v); err != nil {
			return 0, &CorruptIndexError{Index: x.name, Key: key, Err: err}
		}
		if v.Seq == 0 || v.Entry.IsZero() {
			return 0, &CorruptIndexError{Index: x.name, Key: key, Err: errors.New("missing sequence or entry")}
		}

		entries.Store(key, v)
		if v.Seq > maxSeq {
			maxSeq = v.Seq
		}
	}

	if err := iter.Error(); err != nil {
		return 0, &IOError{Op: "scan", Path: x.name, Err: err}
	}
	return maxSeq, nil
}

// verifyOrder checks the order region mirrors the key region one to one
func (x *Index) verifyOrder(entries *xsync.MapOf[string, indexValue]) error {
	prefix := indexOrderPrefix(x.name)
	iter, err := x.log.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return &IOError{Op: "scan", Path: x.name, Err: err}
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseOrderSeq(x.name, iter.Key())
		if err != nil {
			return &CorruptIndexError{Index: x.name, Err: err}
		}

		key := string(iter.Value())
		v, ok := entries.Load(key)
		if !ok || v.Seq != seq {
			return &CorruptIndexError{Index: x.name, Key: key, Err: fmt.Errorf("dangling order entry %d", seq)}
		}
		count++
	}

	if err := iter.Error(); err != nil {
		return &IOError{Op: "scan", Path: x.name, Err: err}
	}
	if count != entries.Size() {
		return &CorruptIndexError{Index: x.name, Err: fmt.Errorf("order region holds %d of %d keys", count, entries.Size())}
	}
	return nil
}

func (x *Index) writeMeta(records int) error {
	createdAt := x.createdAt
	if createdAt == 0 {
		createdAt = time.Now().UnixNano()
		x.createdAt = createdAt
	}

	raw, err := encoding.Marshal(&indexMeta{
		Name:      x.name,
		CreatedAt: createdAt,
		NextSeq:   x.nextSeq.Load(),
		Records:   records,
	})
	if err != nil {
		return err
	}

	if err := x.log.db.Set(indexMetaKey(x.name), raw, pebble.Sync); err != nil {
		return &IOError{Op: "write meta", Path: x.name, Err: err}
	}
	return nil
}

// Unload persists the registry record and drops in-memory state.
// State is released even when the flush fails.
func (x *Index) Unload() error {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()

	if !x.loaded {
		return nil
	}

	var err error
	if x.beforeUnload != nil {
		err = x.beforeUnload()
	}
	if err == nil && !x.log.readOnly {
		err = x.writeMeta(x.entries.Size())
	}

	x.entries = nil
	x.loaded = false

	if err != nil {
		return fmt.Errorf("unload index %s: %w", x.name, err)
	}

	log.Debug().Str("index", x.name).Msg("Index unloaded")
	return nil
}

// Store inserts or replaces key. Same-key races resolve last writer wins and
// readers never see a partially written value.
func (x *Index) Store(key string, entry StoreEntry) error {
	return x.store(key, entry, nil)
}

// StoreRecord allocates an entry, appends payload and maps key to it in one commit
func (x *Index) StoreRecord(key string, t EntryType, payload []byte) (StoreEntry, error) {
	if err := x.log.checkSize(len(payload)); err != nil {
		return StoreEntry{}, err
	}
	entry, err := x.alloc.CreateNewIndexEntry()
	if err != nil {
		return StoreEntry{}, err
	}
	if t == EntryTypeUnknown {
		t = EntryTypeMessage
	}
	entry.Type = t
	entry.Length = uint32(len(payload))

	raw := encodeRecord(t, payload, x.log.codec)
	recKey := logKey(entry.Offset)

	err = x.store(key, entry, func(b *pebble.Batch) error {
		return b.Set(recKey, raw, nil)
	})
	if err != nil {
		return StoreEntry{}, err
	}

	telemetry.LogAppendsTotal.Inc()
	telemetry.LogAppendBytesTotal.Add(float64(len(payload)))
	return entry, nil
}

func (x *Index) store(key string, entry StoreEntry, pre func(b *pebble.Batch) error) error {
	if entry.IsZero() {
		return fmt.Errorf("store %q: entry was not allocated", key)
	}

	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if !x.loaded {
		return ErrNotLoaded
	}

	lock := x.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	prev, exists := x.entries.Load(key)
	val := indexValue{Entry: entry}
	if exists {
		val.Seq = prev.Seq
	}
	kKey := indexKeyKey(x.name, key)

	// Runs on the writer goroutine; new sequence numbers are assigned in commit
	// order so a scan never sees seq n+1 committed before seq n.
	fut := x.log.submit(func(b *pebble.Batch) error {
		if !exists {
			val.Seq = x.nextSeq.Add(1)
		}
		raw, err := encoding.Marshal(&val)
		if err != nil {
			return err
		}

		if pre != nil {
			if err := pre(b); err != nil {
				return err
			}
		}
		if err := b.Set(kKey, raw, nil); err != nil {
			return err
		}
		if !exists {
			return b.Set(indexOrderKey(x.name, val.Seq), []byte(key), nil)
		}
		if prev.Entry.Offset != entry.Offset {
			return x.log.free(b, prev.Entry)
		}
		return nil
	})

	if _, err := fut.Get(); err != nil {
		telemetry.IndexOpsTotal.With("store", "error").Inc()
		return fmt.Errorf("store %q in %s: %w", key, x.name, err)
	}

	x.entries.Store(key, val)

	if exists {
		telemetry.IndexOpsTotal.With("replace", "ok").Inc()
		return nil
	}

	telemetry.IndexOpsTotal.With("store", "ok").Inc()
	if x.notifier != nil {
		x.notifier.Signal(x.name, val.Seq)
	}
	return nil
}

// Get returns the entry for key or a NotFoundError
func (x *Index) Get(key string) (StoreEntry, error) {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if !x.loaded {
		return StoreEntry{}, ErrNotLoaded
	}

	v, ok := x.entries.Load(key)
	if !ok {
		return StoreEntry{}, &NotFoundError{Index: x.name, Key: key}
	}
	return v.Entry, nil
}

// Read returns the payload stored for key
func (x *Index) Read(key string) ([]byte, StoreEntry, error) {
	entry, err := x.Get(key)
	if err != nil {
		return nil, StoreEntry{}, err
	}
	payload, err := x.log.read(entry)
	if err != nil {
		return nil, entry, err
	}
	return payload, entry, nil
}

// Remove deletes key and frees its record. Once Remove returns no Get observes
// the key; a missing key fails with NotFoundError.
func (x *Index) Remove(key string) error {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if !x.loaded {
		return ErrNotLoaded
	}

	lock := x.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	prev, ok := x.entries.Load(key)
	if !ok {
		telemetry.IndexOpsTotal.With("remove", "not_found").Inc()
		return &NotFoundError{Index: x.name, Key: key}
	}

	kKey := indexKeyKey(x.name, key)
	oKey := indexOrderKey(x.name, prev.Seq)
	fut := x.log.submit(func(b *pebble.Batch) error {
		if err := b.Delete(kKey, nil); err != nil {
			return err
		}
		if err := b.Delete(oKey, nil); err != nil {
			return err
		}
		return x.log.free(b, prev.Entry)
	})

	if _, err := fut.Get(); err != nil {
		telemetry.IndexOpsTotal.With("remove", "error").Inc()
		return fmt.Errorf("remove %q from %s: %w", key, x.name, err)
	}

	x.entries.Delete(key)
	telemetry.IndexOpsTotal.With("remove", "ok").Inc()
	return nil
}

// Scan returns up to limit committed records with sequence above afterSeq,
// in insertion order.
func (x *Index) Scan(afterSeq uint64, limit int) ([]IndexRecord, error) {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if !x.loaded {
		return nil, ErrNotLoaded
	}

	prefix := indexOrderPrefix(x.name)
	iter, err := x.log.db.NewIter(&pebble.IterOptions{
		LowerBound: indexOrderKey(x.name, afterSeq+1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, &IOError{Op: "scan", Path: x.name, Err: err}
	}
	defer iter.Close()

	out := make([]IndexRecord, 0, limit)
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		seq, err := parseOrderSeq(x.name, iter.Key())
		if err != nil {
			return nil, &CorruptIndexError{Index: x.name, Err: err}
		}
		key := string(iter.Value())

		v, found, err := x.committedValue(key)
		if err != nil {
			return nil, err
		}
		// Removed or re-stored under a newer sequence after the iterator opened
		if !found || v.Seq != seq {
			continue
		}
		out = append(out, IndexRecord{Key: key, Seq: seq, Entry: v.Entry})
	}

	if err := iter.Error(); err != nil {
		return nil, &IOError{Op: "scan", Path: x.name, Err: err}
	}
	return out, nil
}

func (x *Index) committedValue(key string) (indexValue, bool, error) {
	raw, closer, err := x.log.db.Get(indexKeyKey(x.name, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return indexValue{}, false, nil
	}
	if err != nil {
		return indexValue{}, false, &IOError{Op: "read", Path: x.name, Err: err}
	}
	defer closer.Close()

	var v indexValue
	if err := encoding.Unmarshal(raw, &v); err != nil {
		return indexValue{}, false, &CorruptIndexError{Index: x.name, Key: key, Err: err}
	}
	return v, true, nil
}

// Range calls fn for every key until fn returns false. Order is unspecified.
func (x *Index) Range(fn func(key string, entry StoreEntry) bool) {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if !x.loaded {
		return
	}
	x.entries.Range(func(key string, v indexValue) bool {
		return fn(key, v.Entry)
	})
}

// Len returns the number of keys, or 0 while unloaded
func (x *Index) Len() int {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if !x.loaded {
		return 0
	}
	return x.entries.Size()
}

func (x *Index) info(refs int) IndexInfo {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()

	info := IndexInfo{
		Name:    x.name,
		Loaded:  x.loaded,
		NextSeq: x.nextSeq.Load(),
		Refs:    refs,
	}
	if x.createdAt != 0 {
		info.CreatedAt = time.Unix(0, x.createdAt)
	}
	if x.loaded {
		info.Records = x.entries.Size()
	}
	return info
}
