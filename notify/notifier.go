package notify

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/maxpert/quarry/db"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Signals are wake-ups, not a log. A cursor that misses one finds the record on
// its next scan, so a small buffer is enough.
const defaultSignalBufferSize = 16

type subscription struct {
	id       uint64
	patterns []glob.Glob
	ch       chan db.StoreSignal
	closed   atomic.Bool
	dropped  atomic.Uint64
}

func (s *subscription) matches(index string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, g := range s.patterns {
		if g.Match(index) {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans store signals out to cursors. Implements db.StoreHub.
type Hub struct {
	// sendMu keeps a channel from closing while Signal writes to it
	sendMu        sync.RWMutex
	subscriptions *xsync.MapOf[uint64, *subscription]
	nextID        atomic.Uint64
	bufferSize    int
}

// NewHub creates a hub with the default per-subscriber buffer
func NewHub() *Hub {
	return NewHubWithBuffer(defaultSignalBufferSize)
}

func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = defaultSignalBufferSize
	}
	return &Hub{
		subscriptions: xsync.NewMapOf[uint64, *subscription](),
		bufferSize:    size,
	}
}

// Signal delivers to every matching subscriber without blocking.
// A full subscriber buffer drops the signal for that subscriber only.
func (h *Hub) Signal(index string, seq uint64) {
	signal := db.StoreSignal{Index: index, Seq: seq}

	h.sendMu.RLock()
	defer h.sendMu.RUnlock()

	h.subscriptions.Range(func(_ uint64, sub *subscription) bool {
		if sub.closed.Load() || !sub.matches(index) {
			return true
		}
		select {
		case sub.ch <- signal:
		default:
			sub.dropped.Add(1)
		}
		return true
	})
}

// Subscribe registers a subscriber. Invalid patterns are logged and skipped;
// a filter left with no valid pattern matches nothing. cancel is idempotent.
func (h *Hub) Subscribe(filter db.StoreFilter) (<-chan db.StoreSignal, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan db.StoreSignal, h.bufferSize),
	}

	invalid := 0
	for _, p := range filter.Indices {
		g, err := glob.Compile(p)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("Ignoring invalid signal filter")
			invalid++
			continue
		}
		sub.patterns = append(sub.patterns, g)
	}
	if invalid > 0 && len(sub.patterns) == 0 {
		sub.patterns = []glob.Glob{glob.MustCompile("")}
	}

	h.subscriptions.Store(sub.id, sub)
	return sub.ch, func() { h.unsubscribe(sub.id) }
}

func (h *Hub) unsubscribe(id uint64) {
	sub, ok := h.subscriptions.LoadAndDelete(id)
	if !ok {
		return
	}

	h.sendMu.Lock()
	sub.close()
	h.sendMu.Unlock()

	if n := sub.dropped.Load(); n > 0 {
		log.Debug().Uint64("subscription", id).Uint64("dropped", n).Msg("Signal subscriber cancelled")
	}
}

// Len returns the number of live subscriptions
func (h *Hub) Len() int {
	return h.subscriptions.Size()
}

// Close cancels every subscription
func (h *Hub) Close() {
	h.subscriptions.Range(func(id uint64, _ *subscription) bool {
		h.unsubscribe(id)
		return true
	})
}
