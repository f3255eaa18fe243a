package db

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/gobwas/glob"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/quarry/telemetry"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Manager owns one allocation log and the registry of indices multiplexed over it.
// OpenOrCreate, Release, DropIndex and Close share one critical section; ordinary
// index reads and writes never take it.
type Manager struct {
	name string
	path string
	mode Mode
	log  *AllocationLog

	notifier StoreNotifier

	mu      sync.Mutex
	indices map[string]*Index
	closed  bool
}

// Open opens or creates the shared log at rootDir/name. The allocation counter
// resumes at the larger of its persisted value and startCounter.
func Open(rootDir, name string, mode Mode, startCounter uint64, opts Options) (*Manager, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if err := ValidateIndexName(name); err != nil {
		return nil, err
	}

	opts.applyDefaults()
	path := filepath.Join(rootDir, name)

	l, err := openAllocationLog(path, mode, startCounter, opts)
	if err != nil {
		return nil, err
	}

	return &Manager{
		name:     name,
		path:     path,
		mode:     mode,
		log:      l,
		notifier: opts.Notifier,
		indices:  make(map[string]*Index),
	}, nil
}

func (m *Manager) Name() string { return m.name }
func (m *Manager) Path() string { return m.path }
func (m *Manager) Mode() Mode   { return m.mode }

// Closed reports whether Close has run
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CreateNewIndexEntry reserves the next offset. The entry is not durable until stored.
func (m *Manager) CreateNewIndexEntry() (StoreEntry, error) {
	off, err := m.log.reserve()
	if err != nil {
		return StoreEntry{}, err
	}
	return StoreEntry{Offset: off}, nil
}

// StoreIndex appends payload under entry and waits for the commit
func (m *Manager) StoreIndex(entry StoreEntry, payload []byte) (StoreEntry, error) {
	committed, fut := m.log.append(entry, payload)
	if _, err := fut.Get(); err != nil {
		return StoreEntry{}, err
	}
	return committed, nil
}

// StoreIndexAsync appends payload under entry; the future resolves once the
// group commit carrying it lands.
func (m *Manager) StoreIndexAsync(entry StoreEntry, payload []byte) (StoreEntry, *future.Future[error]) {
	return m.log.append(entry, payload)
}

// ReadEntry returns the payload of a committed record
func (m *Manager) ReadEntry(entry StoreEntry) ([]byte, error) {
	return m.log.read(entry)
}

// LogStats reports allocation log positions
func (m *Manager) LogStats() LogStats {
	return m.log.Stats()
}

// Root returns the allocation root descriptor
func (m *Manager) Root() IndexItem {
	return m.log.Root()
}

// OpenOrCreate returns the registered index for name, taking a reference, or
// loads and registers it. A load failure affects only that index.
func (m *Manager) OpenOrCreate(name string) (*Index, error) {
	if err := ValidateIndexName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if idx, ok := m.indices[name]; ok {
		idx.refs++
		return idx, nil
	}

	idx := newIndex(name, m.log, m, m.notifier)
	if err := idx.Load(); err != nil {
		log.Error().Err(err).Str("index", name).Msg("Failed to load index")
		return nil, err
	}

	if m.mode == ModeReadWrite && idx.createdAt == 0 {
		idx.stateMu.Lock()
		err := idx.writeMeta(idx.entries.Size())
		idx.stateMu.Unlock()
		if err != nil {
			idx.Unload()
			return nil, err
		}
	}

	idx.refs = 1
	m.indices[name] = idx
	telemetry.IndicesLoaded.Inc()

	log.Debug().Str("index", name).Int("records", idx.Len()).Msg("Index registered")
	return idx, nil
}

// Release drops one reference; the index unloads when none remain
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indices[name]
	if !ok {
		return &NotFoundError{Index: name}
	}

	idx.refs--
	if idx.refs > 0 {
		return nil
	}

	delete(m.indices, name)
	telemetry.IndicesLoaded.Dec()
	return idx.Unload()
}

// DropIndex deletes name's on-disk region, registry record and every log
// record it references. This is the only way an index is destroyed. An index
// that is still held through OpenOrCreate is refused with InUseError.
func (m *Manager) DropIndex(name string) error {
	if err := ValidateIndexName(name); err != nil {
		return err
	}
	if m.mode == ModeReadOnly {
		return ErrReadOnly
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if idx, ok := m.indices[name]; ok {
		return &InUseError{Index: name, Refs: idx.refs}
	}

	// Load a detached copy to learn which records the region owns
	scratch := newIndex(name, m.log, m, nil)
	entries := make([]StoreEntry, 0)
	if err := scratch.Load(); err == nil {
		scratch.entries.Range(func(_ string, v indexValue) bool {
			entries = append(entries, v.Entry)
			return true
		})
		scratch.entries = nil
		scratch.loaded = false
	} else {
		log.Warn().Err(err).Str("index", name).Msg("Dropping unreadable index without freeing its records")
	}

	batch := m.log.db.NewBatch()
	defer batch.Close()

	for _, e := range entries {
		if err := m.log.free(batch, e); err != nil {
			return &IOError{Op: "drop", Path: name, Err: err}
		}
	}
	region := indexRegion(name)
	if err := batch.DeleteRange(region, prefixUpperBound(region), nil); err != nil {
		return &IOError{Op: "drop", Path: name, Err: err}
	}
	if err := batch.Delete(indexMetaKey(name), nil); err != nil {
		return &IOError{Op: "drop", Path: name, Err: err}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return &IOError{Op: "drop", Path: name, Err: err}
	}

	log.Info().Str("index", name).Int("records", len(entries)).Msg("Index dropped")
	return nil
}

// ListIndices returns registered and on-disk index names matching pattern.
// An empty pattern matches everything.
func (m *Manager) ListIndices(pattern string) ([]string, error) {
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid index pattern %q: %w", pattern, err)
		}
	}

	names := make(map[string]struct{})

	m.mu.Lock()
	for name := range m.indices {
		names[name] = struct{}{}
	}
	closed := m.closed
	m.mu.Unlock()

	if !closed {
		prefix := []byte(prefixIdxMeta)
		iter, err := m.log.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixUpperBound(prefix),
		})
		if err != nil {
			return nil, &IOError{Op: "list", Path: m.path, Err: err}
		}
		for iter.First(); iter.Valid(); iter.Next() {
			names[string(iter.Key()[len(prefix):])] = struct{}{}
		}
		if err := iter.Close(); err != nil {
			return nil, &IOError{Op: "list", Path: m.path, Err: err}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		if g == nil || g.Match(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Describe reports a registered index, or reads the registry record of an unloaded one
func (m *Manager) Describe(name string) (IndexInfo, error) {
	m.mu.Lock()
	idx, ok := m.indices[name]
	refs := 0
	if ok {
		refs = idx.refs
	}
	m.mu.Unlock()

	if ok {
		return idx.info(refs), nil
	}

	meta, err := newIndex(name, m.log, m, nil).readMeta()
	if err != nil {
		return IndexInfo{}, err
	}
	if meta.CreatedAt == 0 {
		return IndexInfo{}, &NotFoundError{Index: name}
	}

	info := IndexInfo{Name: name, Records: meta.Records, NextSeq: meta.NextSeq}
	info.CreatedAt = time.Unix(0, meta.CreatedAt)
	return info, nil
}

// IndexStats reports record counts of loaded indices
func (m *Manager) IndexStats() []telemetry.IndexStat {
	m.mu.Lock()
	loaded := make([]*Index, 0, len(m.indices))
	for _, idx := range m.indices {
		loaded = append(loaded, idx)
	}
	m.mu.Unlock()

	stats := make([]telemetry.IndexStat, 0, len(loaded))
	for _, idx := range loaded {
		stats = append(stats, telemetry.IndexStat{Name: idx.Name(), Records: idx.Len()})
	}
	return stats
}

// Close unloads every registered index and closes the log. A failing unload is
// logged and collected; every remaining index and the log are still closed, and
// the collected failures are returned together.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	names := make([]string, 0, len(m.indices))
	for name := range m.indices {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	for _, name := range names {
		if err := m.indices[name].Unload(); err != nil {
			log.Error().Err(err).Str("index", name).Msg("Failed to unload index")
			errs = multierr.Append(errs, err)
		}
	}
	m.indices = make(map[string]*Index)
	telemetry.IndicesLoaded.Set(0)

	if err := m.log.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}

	log.Info().
		Str("path", m.path).
		Int("indices", len(names)).
		Int("failures", len(multierr.Errors(errs))).
		Msg("Manager closed")
	return errs
}
