package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/maxpert/quarry/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func benchOptions() db.Options {
	return db.Options{
		BatchMaxSize:     256,
		BatchMaxWait:     100 * time.Microsecond,
		CounterBandwidth: 1024,
	}
}

func testConfig() *Config {
	return &Config{
		Store:            "bench",
		Shards:           4,
		PreloadThreshold: 100,
		PayloadSize:      16,
		SampleDuration:   50 * time.Millisecond,
		Samples:          3,
		JoinTimeout:      5 * time.Second,
	}
}

func TestRunnerProducerConsumerPairs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping benchmark run in short mode")
	}

	dir := t.TempDir()
	c := testConfig()
	require.NoError(t, c.Validate())

	mgr, err := db.Open(dir, c.Store, db.ModeReadWrite, 0, benchOptions())
	require.NoError(t, err)

	var out bytes.Buffer
	var res *Result
	require.NotPanics(t, func() {
		res, err = NewRunner(c, mgr, NewReporter(&out)).Run(context.Background())
	})
	require.NoError(t, err)

	assert.False(t, res.JoinTimedOut)
	assert.NoError(t, res.CloseErr)
	assert.True(t, mgr.Closed())
	assert.Len(t, res.Samples, c.Samples)

	produced := res.Stats.TotalProduced()
	consumed := res.Stats.TotalConsumed()
	assert.GreaterOrEqual(t, produced, uint64(c.Shards*c.PreloadThreshold))
	assert.LessOrEqual(t, consumed, produced)
	assert.Greater(t, consumed, uint64(0))
	assert.Equal(t, int(produced-consumed), res.Remaining)
	assert.Zero(t, res.Stats.Errors())

	assert.Contains(t, out.String(), "time (s), produced")
	assert.Contains(t, out.String(), "Preloaded")

	// Whatever was left behind survives the close
	reopened, err := db.Open(dir, c.Store, db.ModeReadOnly, 0, benchOptions())
	require.NoError(t, err)
	defer reopened.Close()

	names, err := reopened.ListIndices("bench-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"bench-0", "bench-1", "bench-2", "bench-3"}, names)

	stored := 0
	for _, name := range names {
		info, err := reopened.Describe(name)
		require.NoError(t, err)
		stored += info.Records
	}
	assert.Equal(t, res.Remaining, stored)
}

func TestRunnerCancelledDuringPreload(t *testing.T) {
	c := testConfig()
	c.Shards = 2
	c.PreloadThreshold = 1 << 30
	require.NoError(t, c.Validate())

	mgr, err := db.Open(t.TempDir(), c.Store, db.ModeReadWrite, 0, benchOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := NewRunner(c, mgr, nil).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)

	assert.False(t, res.JoinTimedOut)
	assert.Empty(t, res.Samples)
	assert.Zero(t, res.Stats.TotalConsumed())
	assert.Equal(t, int(res.Stats.TotalProduced()), res.Remaining)
	assert.True(t, mgr.Closed())
}

func TestRunnerOpenFailureStillCloses(t *testing.T) {
	c := testConfig()
	require.NoError(t, c.Validate())

	mgr, err := db.Open(t.TempDir(), c.Store, db.ModeReadWrite, 0, benchOptions())
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	res, err := NewRunner(c, mgr, nil).Run(context.Background())
	assert.ErrorIs(t, err, db.ErrClosed)
	require.NotNil(t, res)
	assert.NoError(t, res.CloseErr)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"no shards", func(c *Config) { c.Shards = 0 }, false},
		{"negative preload", func(c *Config) { c.PreloadThreshold = -1 }, false},
		{"no samples", func(c *Config) { c.Samples = 0 }, false},
		{"zero sample duration", func(c *Config) { c.SampleDuration = 0 }, false},
		{"empty store", func(c *Config) { c.Store = "" }, false},
		{"join timeout defaulted", func(c *Config) { c.JoinTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
				assert.Positive(t, c.JoinTimeout)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPeekConfigPath(t *testing.T) {
	assert.Equal(t, "a.toml", peekConfigPath([]string{"--shards=2", "-config", "a.toml"}))
	assert.Equal(t, "b.toml", peekConfigPath([]string{"--config=b.toml"}))
	assert.Equal(t, "", peekConfigPath([]string{"--shards", "3"}))
}
