package db

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		CacheSizeMB:      8,
		MemTableSizeMB:   4,
		BatchMaxSize:     64,
		BatchMaxWait:     100 * time.Microsecond,
		CounterBandwidth: 16,
	}
}

func openTestManager(t *testing.T, dir string, opts Options) *Manager {
	t.Helper()
	m, err := Open(dir, "store", ModeReadWrite, 0, opts)
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	return m
}

type recordingNotifier struct {
	mu      sync.Mutex
	signals []StoreSignal
}

func (n *recordingNotifier) Signal(index string, seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, StoreSignal{Index: index, Seq: seq})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}

func TestIndexStoreGetRemove(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("queue.orders")
	require.NoError(t, err)

	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	entry, err = m.StoreIndex(entry, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, idx.Store("k1", entry))

	got, err := idx.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	payload, _, err := idx.Read("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, 1, idx.Len())

	require.NoError(t, idx.Remove("k1"))

	_, err = idx.Get("k1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, idx.Len())

	// The record went with the key
	_, err = m.ReadEntry(entry)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexRemoveMissingKey(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("queue.orders")
	require.NoError(t, err)

	err = idx.Remove("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "queue.orders", nf.Index)
	assert.Equal(t, "nope", nf.Key)
}

func TestIndexStoreRejectsUnallocatedEntry(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	assert.Error(t, idx.Store("k", StoreEntry{}))
	assert.Equal(t, 0, idx.Len())
}

func TestIndexReplaceKeepsPosition(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	first, err := idx.StoreRecord("a", EntryTypeMessage, []byte("v1"))
	require.NoError(t, err)
	_, err = idx.StoreRecord("b", EntryTypeMessage, []byte("b"))
	require.NoError(t, err)
	second, err := idx.StoreRecord("a", EntryTypeMessage, []byte("v2"))
	require.NoError(t, err)

	recs, err := idx.Scan(0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Key)
	assert.Equal(t, second, recs[0].Entry)
	assert.Equal(t, "b", recs[1].Key)

	payload, _, err := idx.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), payload)

	// Replacing frees the previous record
	_, err = m.ReadEntry(first)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexSignalsOnlyNewKeys(t *testing.T) {
	n := &recordingNotifier{}
	opts := testOptions()
	opts.Notifier = n

	m := openTestManager(t, t.TempDir(), opts)
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	_, err = idx.StoreRecord("a", EntryTypeMessage, []byte("1"))
	require.NoError(t, err)
	_, err = idx.StoreRecord("a", EntryTypeMessage, []byte("2"))
	require.NoError(t, err)
	_, err = idx.StoreRecord("b", EntryTypeMessage, []byte("3"))
	require.NoError(t, err)

	require.Equal(t, 2, n.count())
	assert.Equal(t, StoreSignal{Index: "q", Seq: 1}, n.signals[0])
	assert.Equal(t, StoreSignal{Index: "q", Seq: 2}, n.signals[1])
}

func TestIndexConcurrentStoreThenRemove(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if _, err := idx.StoreRecord(key, EntryTypeMessage, []byte(key)); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("store failed: %v", err)
	}
	require.Equal(t, workers*perWorker, idx.Len())

	// Sequence numbers are dense and scan returns them in order
	recs, err := idx.Scan(0, workers*perWorker+10)
	require.NoError(t, err)
	require.Len(t, recs, workers*perWorker)
	for i, r := range recs {
		require.Equal(t, uint64(i+1), r.Seq)
	}

	wg = sync.WaitGroup{}
	errCh = make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := idx.Remove(fmt.Sprintf("w%d-%d", w, i)); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("remove failed: %v", err)
	}

	assert.Equal(t, 0, idx.Len())
	recs, err = idx.Scan(0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIndexSameKeyContention(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	const key = "hot"
	const writers = 6
	const readers = 4
	const rounds = 200

	var writersDone sync.WaitGroup
	var readersDone sync.WaitGroup
	stop := make(chan struct{})
	errCh := make(chan error, writers+readers)

	for w := 0; w < writers; w++ {
		writersDone.Add(1)
		go func(w int) {
			defer writersDone.Done()
			for i := 0; i < rounds; i++ {
				if (w+i)%3 == 0 {
					if err := idx.Remove(key); err != nil && !errors.Is(err, ErrNotFound) {
						errCh <- err
						return
					}
					continue
				}
				payload := []byte(fmt.Sprintf("v-%d-%d", w, i))
				if _, err := idx.StoreRecord(key, EntryTypeMessage, payload); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}

	for r := 0; r < readers; r++ {
		readersDone.Add(1)
		go func() {
			defer readersDone.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				payload, _, err := idx.Read(key)
				if err != nil {
					if !errors.Is(err, ErrNotFound) {
						errCh <- err
						return
					}
					continue
				}
				if !strings.HasPrefix(string(payload), "v-") {
					errCh <- fmt.Errorf("torn read: %q", payload)
					return
				}
			}
		}()
	}

	writersDone.Wait()
	close(stop)
	readersDone.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("contention: %v", err)
	}

	// Memory, scan order and disk all agree on the final write
	final, getErr := idx.Get(key)
	recs, err := idx.Scan(0, 10)
	require.NoError(t, err)
	if getErr != nil {
		require.ErrorIs(t, getErr, ErrNotFound)
		assert.Equal(t, 0, idx.Len())
		assert.Empty(t, recs)
	} else {
		assert.Equal(t, 1, idx.Len())
		require.Len(t, recs, 1)
		assert.Equal(t, key, recs[0].Key)
		assert.Equal(t, final, recs[0].Entry)
	}

	require.NoError(t, m.Release("q"))
	idx, err = m.OpenOrCreate("q")
	require.NoError(t, err)
	reloaded, err := idx.Get(key)
	if getErr != nil {
		assert.ErrorIs(t, err, ErrNotFound)
		return
	}
	require.NoError(t, err)
	assert.Equal(t, final, reloaded)
	payload, _, err := idx.Read(key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(payload), "v-"))
}

func TestIndexRemoveIsVisibleToConcurrentReaders(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	const key = "hot"
	const rounds = 300

	// generation of every stored entry, by log offset
	var gens sync.Map
	var removed atomic.Int64
	removed.Store(-1)

	stop := make(chan struct{})
	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				before := removed.Load()
				e, err := idx.Get(key)
				if err != nil {
					continue
				}
				if g, ok := gens.Load(e.Offset); ok && g.(int64) <= before {
					errCh <- fmt.Errorf("generation %d visible after its remove returned", g)
					return
				}
			}
		}()
	}

	for gen := int64(0); gen < rounds; gen++ {
		e, err := idx.StoreRecord(key, EntryTypeMessage, []byte("x"))
		require.NoError(t, err)
		gens.Store(e.Offset, gen)
		require.NoError(t, idx.Remove(key))
		removed.Store(gen)
	}

	close(stop)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
	_, err = idx.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexScanPages(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := idx.StoreRecord(fmt.Sprintf("k%02d", i), EntryTypeMessage, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, idx.Remove("k03"))

	var keys []string
	var after uint64
	for {
		page, err := idx.Scan(after, 4)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			keys = append(keys, r.Key)
		}
		after = page[len(page)-1].Seq
	}

	assert.Equal(t, []string{"k00", "k01", "k02", "k04", "k05", "k06", "k07", "k08", "k09"}, keys)
}

func TestIndexUnloadAndReload(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, testOptions())

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := idx.StoreRecord(fmt.Sprintf("k%d", i), EntryTypeMessage, []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, m.Release("q"))
	assert.False(t, idx.Loaded())

	_, err = idx.Get("k1")
	assert.ErrorIs(t, err, ErrNotLoaded)

	idx, err = m.OpenOrCreate("q")
	require.NoError(t, err)
	assert.Equal(t, 5, idx.Len())

	payload, _, err := idx.Read("k3")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), payload)

	// New keys continue after the highest persisted position
	_, err = idx.StoreRecord("k5", EntryTypeMessage, []byte("v5"))
	require.NoError(t, err)
	recs, err := idx.Scan(5, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(6), recs[0].Seq)

	require.NoError(t, m.Close())
}

func TestIndexLoadCorruptValue(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("bad")
	require.NoError(t, err)
	_, err = idx.StoreRecord("k", EntryTypeMessage, []byte("v"))
	require.NoError(t, err)
	require.NoError(t, m.Release("bad"))

	other, err := m.OpenOrCreate("good")
	require.NoError(t, err)
	_, err = other.StoreRecord("k", EntryTypeMessage, []byte("v"))
	require.NoError(t, err)

	// 0xc1 is never a valid msgpack prefix
	require.NoError(t, m.log.db.Set(indexKeyKey("bad", "k"), []byte{0xc1}, pebble.Sync))

	_, err = m.OpenOrCreate("bad")
	var corrupt *CorruptIndexError
	require.True(t, errors.As(err, &corrupt), "expected CorruptIndexError, got %v", err)
	assert.Equal(t, "bad", corrupt.Index)
	assert.Equal(t, "k", corrupt.Key)

	// Other indices are unaffected
	payload, _, err := other.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), payload)
}

func TestIndexLoadDanglingOrderEntry(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)
	_, err = idx.StoreRecord("k", EntryTypeMessage, []byte("v"))
	require.NoError(t, err)
	require.NoError(t, m.Release("q"))

	require.NoError(t, m.log.db.Set(indexOrderKey("q", 99), []byte("ghost"), pebble.Sync))

	_, err = m.OpenOrCreate("q")
	var corrupt *CorruptIndexError
	assert.True(t, errors.As(err, &corrupt), "expected CorruptIndexError, got %v", err)
}
