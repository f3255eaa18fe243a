package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/quarry/db"
	"github.com/rs/zerolog/log"
)

// Cursor walks one destination's index in store order and hands records to
// subscribers with free window capacity. It waits only on itself: producers
// and other destinations never block on it.
type Cursor struct {
	dest         *destination
	hub          db.StoreSubscriber
	batchSize    int
	pollInterval time.Duration

	wakeCh  chan struct{}
	lastSeq atomic.Uint64
	buffer  []db.IndexRecord
	rr      int

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

func newCursor(dest *destination, hub db.StoreSubscriber, batchSize int, pollInterval time.Duration) *Cursor {
	return &Cursor{
		dest:         dest,
		hub:          hub,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		wakeCh:       make(chan struct{}, 1),
	}
}

// Wake nudges the cursor without blocking
func (c *Cursor) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Position is the store sequence of the last record handed out from the scan
func (c *Cursor) Position() uint64 {
	return c.lastSeq.Load()
}

func (c *Cursor) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return
	}

	c.running.Store(true)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	var signals <-chan db.StoreSignal
	cancel := func() {}
	if c.hub != nil {
		signals, cancel = c.hub.Subscribe(db.StoreFilter{
			Indices: []string{glob.QuoteMeta(c.dest.dest.IndexName())},
		})
	}

	log.Debug().Str("destination", c.dest.dest.String()).Msg("Starting delivery cursor")
	go c.run(signals, cancel)
}

func (c *Cursor) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return
	}

	close(c.stopCh)
	<-c.doneCh
	c.running.Store(false)

	log.Debug().Str("destination", c.dest.dest.String()).Msg("Delivery cursor stopped")
}

func (c *Cursor) run(signals <-chan db.StoreSignal, cancel func()) {
	defer close(c.doneCh)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.dispatchNext() {
			continue
		}

		select {
		case <-c.stopCh:
			return
		case _, ok := <-signals:
			if !ok {
				signals = nil
			}
		case <-c.wakeCh:
		case <-ticker.C:
		}
	}
}

// pick returns the next subscriber with window capacity, round-robin
func (c *Cursor) pick(subs []*Subscription) *Subscription {
	for i := 0; i < len(subs); i++ {
		s := subs[(c.rr+i)%len(subs)]
		if s.hasCapacity() {
			c.rr = (c.rr + i + 1) % len(subs)
			return s
		}
	}
	return nil
}

// dispatchNext hands out one record. Reassigned records go before anything
// newly stored. It returns false when there is nothing to do right now.
func (c *Cursor) dispatchNext() bool {
	subs := c.dest.snapshot()
	if len(subs) == 0 {
		return false
	}

	if p, ok := c.dest.tracker.nextRedelivery(); ok {
		sub := c.pick(subs)
		if sub == nil {
			return false
		}

		msg, ok, retry := c.load(p.key)
		if retry {
			return false
		}
		if !ok {
			c.dest.tracker.popRedelivery(p)
			return true
		}

		if _, err := c.dest.tracker.Dispatch(sub, p.key, p.seq, msg, p.redeliveries); err == nil {
			c.dest.tracker.popRedelivery(p)
		}
		return true
	}

	if len(c.buffer) == 0 {
		recs, err := c.dest.index.Scan(c.lastSeq.Load(), c.batchSize)
		if err != nil {
			log.Warn().Err(err).Str("destination", c.dest.dest.String()).Msg("Cursor scan failed")
			return false
		}
		if len(recs) == 0 {
			return false
		}
		c.buffer = recs
	}

	sub := c.pick(subs)
	if sub == nil {
		return false
	}

	rec := c.buffer[0]
	msg, ok, retry := c.load(rec.Key)
	if retry {
		return false
	}
	if ok {
		if _, err := c.dest.tracker.Dispatch(sub, rec.Key, rec.Seq, msg, 0); err != nil {
			return true
		}
	}

	c.buffer = c.buffer[1:]
	c.lastSeq.Store(rec.Seq)
	return true
}

// load reads and decodes the message stored under key. ok is false when the
// record is gone or unreadable and must be skipped; retry is set for failures
// that may clear up.
func (c *Cursor) load(key string) (msg *Message, ok bool, retry bool) {
	payload, _, err := c.dest.index.Read(key)
	if err != nil {
		var corrupt *db.CorruptRecordError
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil, false, false
		case errors.As(err, &corrupt):
			log.Error().Err(err).Str("destination", c.dest.dest.String()).Str("key", key).Msg("Skipping unreadable message")
			return nil, false, false
		default:
			log.Warn().Err(err).Str("destination", c.dest.dest.String()).Str("key", key).Msg("Message read failed")
			return nil, false, true
		}
	}

	msg, err = decodeMessage(payload)
	if err != nil {
		log.Error().Err(err).Str("destination", c.dest.dest.String()).Str("key", key).Msg("Skipping undecodable message")
		return nil, false, false
	}
	return msg, true, false
}
