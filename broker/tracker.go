package broker

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/quarry/db"
	"github.com/maxpert/quarry/telemetry"
	"github.com/rs/zerolog/log"
)

// Tracker moves records of one destination through
// Stored -> Dispatched -> Acked | Reassigned.
// Reassigned records wait in the redelivery queue, ordered by their original
// store position, and are handed out before anything newer.
// Delivery ids come from seq, which is shared by every tracker of a broker, so
// an id handed to one subscription instance never names a delivery of another.
type Tracker struct {
	dest  Destination
	index *db.Index
	wake  func()
	seq   *atomic.Uint64

	mu         sync.Mutex
	redelivery []*pendingDelivery
}

func newTracker(dest Destination, index *db.Index, seq *atomic.Uint64, wake func()) *Tracker {
	return &Tracker{dest: dest, index: index, seq: seq, wake: wake}
}

// Dispatch adds rec to sub's pending window and hands it to the consumer.
// It never touches the index.
func (t *Tracker) Dispatch(sub *Subscription, key string, seq uint64, msg *Message, redeliveries int) (uint64, error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.ended {
		return 0, ErrSubscriptionClosed
	}
	if len(sub.pending) >= sub.prefetch {
		return 0, errWindowFull
	}

	id := t.seq.Add(1)
	sub.pending[id] = &pendingDelivery{id: id, key: key, seq: seq, redeliveries: redeliveries}

	// The channel holds at most prefetch entries and pending counts every one of them
	sub.deliveries <- &Delivery{
		Subscription:    sub.id,
		ID:              id,
		Key:             key,
		Seq:             seq,
		Message:         msg,
		Redelivered:     redeliveries > 0,
		RedeliveryCount: redeliveries,
		DispatchedAt:    time.Now(),
	}

	kind := "new"
	if redeliveries > 0 {
		kind = "redelivery"
	}
	telemetry.DeliveriesTotal.With(kind).Inc()
	telemetry.PendingDeliveries.Inc()
	return id, nil
}

// Ack removes the record from the index and from sub's pending window.
// An unknown or already settled id returns InvalidAckError. A record that is
// already gone from the index counts as acked.
func (t *Tracker) Ack(sub *Subscription, deliveryID uint64) error {
	sub.mu.Lock()
	p, ok := sub.pending[deliveryID]
	if !ok || sub.ended {
		sub.mu.Unlock()
		telemetry.AcksTotal.With("invalid").Inc()
		return &InvalidAckError{Subscription: sub.id, MessageID: FormatMessageID(sub.id, deliveryID)}
	}

	// The window entry stays until the remove lands so a failed remove leaves
	// the record owned by this subscription and reassignable on session end.
	err := t.index.Remove(p.key)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		sub.mu.Unlock()
		telemetry.AcksTotal.With("error").Inc()
		return err
	}
	delete(sub.pending, deliveryID)
	sub.mu.Unlock()

	telemetry.AcksTotal.With("ok").Inc()
	telemetry.PendingDeliveries.Dec()
	t.wake()
	return nil
}

// OnSessionEnd ends sub and reassigns its whole pending window
func (t *Tracker) OnSessionEnd(sub *Subscription) int {
	sub.mu.Lock()
	if sub.ended {
		sub.mu.Unlock()
		return 0
	}
	sub.ended = true
	close(sub.done)

	window := make([]*pendingDelivery, 0, len(sub.pending))
	for _, p := range sub.pending {
		p.redeliveries++
		window = append(window, p)
	}
	sub.pending = make(map[uint64]*pendingDelivery)
	sub.mu.Unlock()

	// Drop queued deliveries so they are not handed out after the end
drain:
	for {
		select {
		case <-sub.deliveries:
		default:
			break drain
		}
	}

	if len(window) > 0 {
		t.mu.Lock()
		t.redelivery = append(t.redelivery, window...)
		sort.Slice(t.redelivery, func(i, j int) bool {
			return t.redelivery[i].seq < t.redelivery[j].seq
		})
		t.mu.Unlock()

		telemetry.ReassignedTotal.Add(float64(len(window)))
		telemetry.PendingDeliveries.Sub(float64(len(window)))
		log.Debug().
			Str("destination", t.dest.String()).
			Str("subscription", sub.id).
			Int("reassigned", len(window)).
			Msg("Pending window reassigned")
	}

	t.wake()
	return len(window)
}

// nextRedelivery returns the oldest reassigned record without removing it
func (t *Tracker) nextRedelivery() (*pendingDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.redelivery) == 0 {
		return nil, false
	}
	return t.redelivery[0], true
}

func (t *Tracker) popRedelivery(p *pendingDelivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.redelivery) > 0 && t.redelivery[0] == p {
		t.redelivery = t.redelivery[1:]
	}
}

// Redeliveries returns the number of records waiting to be redelivered
func (t *Tracker) Redeliveries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.redelivery)
}
