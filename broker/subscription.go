package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/quarry/telemetry"
)

// AckMode selects when a delivery leaves the pending window
type AckMode string

const (
	AckAuto   AckMode = "auto"   // acked as soon as the consumer receives it
	AckClient AckMode = "client" // held until the consumer acks it
)

// ParseAckMode maps the SUBSCRIBE ack header; empty means auto
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case "", AckAuto:
		return AckAuto, nil
	case AckClient:
		return AckClient, nil
	default:
		return "", fmt.Errorf("unsupported ack mode %q", s)
	}
}

// SubscribeOptions configures a new subscription
type SubscribeOptions struct {
	ID       string
	Ack      AckMode
	Prefetch int // pending window size; 0 uses the broker default
}

// pendingDelivery is a dispatched, unacknowledged record
type pendingDelivery struct {
	id           uint64
	key          string
	seq          uint64
	redeliveries int
}

// Subscription is one consumer's attachment to a destination.
// Its pending window holds at most prefetch unacknowledged deliveries.
type Subscription struct {
	id       string
	dest     Destination
	mode     AckMode
	prefetch int
	tracker  *Tracker

	mu      sync.Mutex
	pending map[uint64]*pendingDelivery
	ended   bool

	deliveries chan *Delivery
	done       chan struct{}
}

func newSubscription(id string, dest Destination, mode AckMode, prefetch int, tracker *Tracker) *Subscription {
	return &Subscription{
		id:         id,
		dest:       dest,
		mode:       mode,
		prefetch:   prefetch,
		tracker:    tracker,
		pending:    make(map[uint64]*pendingDelivery),
		deliveries: make(chan *Delivery, prefetch),
		done:       make(chan struct{}),
	}
}

func (s *Subscription) ID() string               { return s.id }
func (s *Subscription) Destination() Destination { return s.dest }
func (s *Subscription) AckMode() AckMode         { return s.mode }

// Done is closed when the session ends
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Pending returns the pending window size
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Subscription) hasCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && len(s.pending) < s.prefetch
}

// Receive waits up to timeout for the next delivery. It returns
// ErrContentionTimeout when nothing arrives and ErrSubscriptionClosed once the
// session has ended. In auto mode the delivery is acked before it is returned.
func (s *Subscription) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-s.deliveries:
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return nil, ErrSubscriptionClosed
		}
		// Auto mode is at-most-once: the record is gone before the caller
		// writes it out, so a failed write loses it.
		if s.mode == AckAuto {
			if err := s.tracker.Ack(s, d.ID); err != nil {
				var invalid *InvalidAckError
				if errors.As(err, &invalid) {
					return nil, ErrSubscriptionClosed
				}
				return nil, err
			}
		}
		return d, nil

	case <-s.done:
		return nil, ErrSubscriptionClosed

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timer.C:
		telemetry.ReceiveTimeoutsTotal.Inc()
		return nil, ErrContentionTimeout
	}
}

// Ack acknowledges one delivery of this subscription
func (s *Subscription) Ack(deliveryID uint64) error {
	return s.tracker.Ack(s, deliveryID)
}
