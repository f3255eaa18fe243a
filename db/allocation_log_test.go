package db

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/jizhuozhi/go-future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationLogStoreAndRead(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	assert.False(t, entry.IsZero())

	stored, err := m.StoreIndex(entry, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, entry.Offset, stored.Offset)
	assert.Equal(t, uint32(7), stored.Length)
	assert.Equal(t, EntryTypeMessage, stored.Type)

	got, err := m.ReadEntry(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestAllocationLogAsyncStore(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	entries := make([]StoreEntry, 0, 50)
	futs := make([]*future.Future[error], 0, 50)
	for i := 0; i < 50; i++ {
		e, err := m.CreateNewIndexEntry()
		require.NoError(t, err)
		e, fut := m.StoreIndexAsync(e, []byte(fmt.Sprintf("p%d", i)))
		entries = append(entries, e)
		futs = append(futs, fut)
	}

	for _, fut := range futs {
		_, err := fut.Get()
		require.NoError(t, err)
	}
	for i, e := range entries {
		got, err := m.ReadEntry(e)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("p%d", i), string(got))
	}
}

func TestAllocationLogUnallocatedEntry(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	_, err := m.StoreIndex(StoreEntry{}, []byte("x"))
	assert.Error(t, err)
}

func TestAllocationLogRejectsOversizedRecords(t *testing.T) {
	opts := testOptions()
	opts.MaxRecordSize = 16
	m := openTestManager(t, t.TempDir(), opts)
	defer m.Close()

	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	_, err = m.StoreIndex(entry, bytes.Repeat([]byte("x"), 17))
	assert.ErrorIs(t, err, ErrTooLarge)

	stored, err := m.StoreIndex(entry, bytes.Repeat([]byte("x"), 16))
	require.NoError(t, err)
	assert.Equal(t, uint32(16), stored.Length)

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)
	before := m.log.counter.Peek()
	_, err = idx.StoreRecord("big", EntryTypeMessage, make([]byte, 64))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, before, m.log.counter.Peek(), "no offset is reserved for a rejected record")
}

func TestOptionsCapRecordSizeAtHeaderWidth(t *testing.T) {
	tests := []struct {
		in   uint64
		want uint64
	}{
		{0, math.MaxUint32},
		{1024, 1024},
		{math.MaxUint32, math.MaxUint32},
		{math.MaxUint32 + 1, math.MaxUint32},
	}
	for _, tt := range tests {
		o := Options{MaxRecordSize: tt.in}
		o.applyDefaults()
		if o.MaxRecordSize != tt.want {
			t.Errorf("MaxRecordSize %d: expected %d, got %d", tt.in, tt.want, o.MaxRecordSize)
		}
	}
}

func TestAllocationLogCompression(t *testing.T) {
	opts := testOptions()
	opts.CompressionLevel = 2
	m := openTestManager(t, t.TempDir(), opts)
	defer m.Close()

	payload := bytes.Repeat([]byte("quarry compresses repetitive bodies "), 200)

	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	entry, err = m.StoreIndex(entry, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(payload)), entry.Length)

	raw, closer, err := m.log.db.Get(logKey(entry.Offset))
	require.NoError(t, err)
	storedLen := len(raw)
	closer.Close()
	assert.Less(t, storedLen, len(payload))

	got, err := m.ReadEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAllocationLogDetectsChecksumMismatch(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	entry, err = m.StoreIndex(entry, []byte("intact body"))
	require.NoError(t, err)

	raw, closer, err := m.log.db.Get(logKey(entry.Offset))
	require.NoError(t, err)
	damaged := append([]byte(nil), raw...)
	closer.Close()
	damaged[len(damaged)-1] ^= 0xFF
	require.NoError(t, m.log.db.Set(logKey(entry.Offset), damaged, pebble.Sync))

	_, err = m.ReadEntry(entry)
	var corrupt *CorruptRecordError
	require.True(t, errors.As(err, &corrupt), "expected CorruptRecordError, got %v", err)
	assert.Equal(t, entry.Offset, corrupt.Offset)
}

func TestAllocationLogTypeMismatch(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	entry.Type = EntryTypeBenchmark
	entry, err = m.StoreIndex(entry, []byte("bench"))
	require.NoError(t, err)

	entry.Type = EntryTypeMessage
	_, err = m.ReadEntry(entry)
	var corrupt *CorruptRecordError
	assert.True(t, errors.As(err, &corrupt))
}

func TestAllocationLogRecordCache(t *testing.T) {
	opts := testOptions()
	opts.RecordCacheSize = 8
	m := openTestManager(t, t.TempDir(), opts)
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)
	entry, err := idx.StoreRecord("k", EntryTypeMessage, []byte("cached"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := m.ReadEntry(entry)
		require.NoError(t, err)
		assert.Equal(t, []byte("cached"), got)
	}

	// Freed records leave the cache too
	require.NoError(t, idx.Remove("k"))
	_, err = m.ReadEntry(entry)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocationLogReadOnly(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, testOptions())
	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)
	_, err = idx.StoreRecord("k", EntryTypeMessage, []byte("v"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	ro, err := Open(dir, "store", ModeReadOnly, 0, testOptions())
	require.NoError(t, err)
	defer ro.Close()

	idx, err = ro.OpenOrCreate("q")
	require.NoError(t, err)
	payload, _, err := idx.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), payload)

	_, err = ro.CreateNewIndexEntry()
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = idx.StoreRecord("k2", EntryTypeMessage, []byte("v2"))
	assert.ErrorIs(t, err, ErrReadOnly)

	assert.ErrorIs(t, idx.Remove("k"), ErrReadOnly)
	assert.ErrorIs(t, ro.DropIndex("q"), ErrReadOnly)
}

func TestAllocationLogAdvancesFreeHead(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	defer m.Close()

	idx, err := m.OpenOrCreate("q")
	require.NoError(t, err)

	entries := make([]StoreEntry, 0, 10)
	for i := 0; i < 10; i++ {
		e, err := idx.StoreRecord(fmt.Sprintf("k%d", i), EntryTypeMessage, []byte{byte(i)})
		require.NoError(t, err)
		entries = append(entries, e)
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Remove(fmt.Sprintf("k%d", i)))
	}

	// The first pass only records the low-water mark
	require.NoError(t, m.log.reclaimOnce())
	require.NoError(t, m.log.reclaimOnce())

	assert.Equal(t, entries[5].Offset, m.Root().FreeHead)

	// Live records are still readable
	got, err := m.ReadEntry(entries[7])
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got)
}

func TestAllocationLogClosedRejectsOps(t *testing.T) {
	m := openTestManager(t, t.TempDir(), testOptions())
	entry, err := m.CreateNewIndexEntry()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.CreateNewIndexEntry()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.StoreIndex(entry, []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.ReadEntry(entry)
	assert.ErrorIs(t, err, ErrClosed)
}
