package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/quarry/cfg"
	"github.com/maxpert/quarry/db"
	"github.com/maxpert/quarry/id"
	"github.com/maxpert/quarry/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Options configures delivery
type Options struct {
	BrokerID       string
	Prefetch       int
	ScanBatchSize  int
	PollInterval   time.Duration
	ReceiveTimeout time.Duration
}

// DefaultOptions returns options from cfg.Config.Delivery
func DefaultOptions() Options {
	d := cfg.Config.Delivery
	return Options{
		BrokerID:       fmt.Sprintf("%x", cfg.Config.BrokerID),
		Prefetch:       d.Prefetch,
		ScanBatchSize:  d.ScanBatchSize,
		PollInterval:   time.Duration(d.PollIntervalMS) * time.Millisecond,
		ReceiveTimeout: time.Duration(d.ReceiveTimeoutMS) * time.Millisecond,
	}
}

func (o *Options) applyDefaults() {
	if o.BrokerID == "" {
		o.BrokerID = "quarry"
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1000
	}
	if o.ScanBatchSize <= 0 {
		o.ScanBatchSize = 128
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = 5 * time.Second
	}
}

// destination is the live state of one destination: its index, tracker,
// cursor and attached subscriptions
type destination struct {
	dest    Destination
	index   *db.Index
	tracker *Tracker
	cursor  *Cursor

	mu   sync.Mutex
	subs []*Subscription
}

func (d *destination) attach(s *Subscription) {
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	d.cursor.Wake()
}

func (d *destination) detach(s *Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.subs {
		if cur == s {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *destination) snapshot() []*Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Subscription, len(d.subs))
	copy(out, d.subs)
	return out
}

// DestinationInfo describes a destination for listings
type DestinationInfo struct {
	Destination   string `json:"destination"`
	Index         string `json:"index"`
	Records       int    `json:"records"`
	Subscriptions int    `json:"subscriptions"`
	Pending       int    `json:"pending"`
	Redeliveries  int    `json:"redeliveries"`
	Position      uint64 `json:"position"`
}

// Broker routes SEND and SUBSCRIBE to per-destination indices on one manager
type Broker struct {
	mgr  *db.Manager
	hub  db.StoreSubscriber
	opts Options
	ids  *id.SequenceGenerator

	subSeq      atomic.Uint64
	deliverySeq atomic.Uint64

	mu           sync.Mutex // serializes destination creation and Close
	destinations *xsync.MapOf[string, *destination]
	closed       atomic.Bool
}

// New creates a broker over mgr. hub may be nil; cursors then rely on polling.
func New(mgr *db.Manager, hub db.StoreSubscriber, opts Options) *Broker {
	opts.applyDefaults()
	return &Broker{
		mgr:          mgr,
		hub:          hub,
		opts:         opts,
		ids:          id.NewSequenceGenerator(opts.BrokerID),
		destinations: xsync.NewMapOf[string, *destination](),
	}
}

func (b *Broker) ReceiveTimeout() time.Duration { return b.opts.ReceiveTimeout }

func (b *Broker) destinationFor(d Destination) (*destination, error) {
	name := d.IndexName()
	if dst, ok := b.destinations.Load(name); ok {
		return dst, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if dst, ok := b.destinations.Load(name); ok {
		return dst, nil
	}

	idx, err := b.mgr.OpenOrCreate(name)
	if err != nil {
		return nil, fmt.Errorf("open destination %s: %w", d, err)
	}

	dst := &destination{dest: d, index: idx}
	dst.cursor = newCursor(dst, b.hub, b.opts.ScanBatchSize, b.opts.PollInterval)
	dst.tracker = newTracker(d, idx, &b.deliverySeq, dst.cursor.Wake)
	dst.cursor.Start()

	b.destinations.Store(name, dst)
	log.Info().Str("destination", d.String()).Int("records", idx.Len()).Msg("Destination opened")
	return dst, nil
}

// Send stores body on the destination and returns the message id
func (b *Broker) Send(ctx context.Context, destination string, body []byte, headers map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}

	d, err := ParseDestination(destination)
	if err != nil {
		return "", err
	}
	dst, err := b.destinationFor(d)
	if err != nil {
		return "", err
	}

	msg := &Message{
		ID:          b.ids.NextString(),
		Destination: d.String(),
		Headers:     headers,
		Body:        body,
		Timestamp:   time.Now().UnixMilli(),
	}
	raw, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}

	if _, err := dst.index.StoreRecord(msg.ID, db.EntryTypeMessage, raw); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Subscribe attaches a consumer to destination
func (b *Broker) Subscribe(destination string, opts SubscribeOptions) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	d, err := ParseDestination(destination)
	if err != nil {
		return nil, err
	}
	if opts.Ack == "" {
		opts.Ack = AckAuto
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = b.opts.Prefetch
	}
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("sub-%d", b.subSeq.Add(1))
	}

	dst, err := b.destinationFor(d)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(opts.ID, d, opts.Ack, opts.Prefetch, dst.tracker)
	dst.attach(sub)
	telemetry.ActiveSubscriptions.Inc()

	log.Debug().
		Str("destination", d.String()).
		Str("subscription", sub.id).
		Str("ack", string(sub.mode)).
		Int("prefetch", sub.prefetch).
		Msg("Subscribed")
	return sub, nil
}

// Unsubscribe ends the subscription's session. Its pending window is
// reassigned to the destination. Returns the number of records reassigned.
func (b *Broker) Unsubscribe(sub *Subscription) int {
	dst, ok := b.destinations.Load(sub.dest.IndexName())
	if !ok {
		return sub.tracker.OnSessionEnd(sub)
	}
	if dst.detach(sub) {
		telemetry.ActiveSubscriptions.Dec()
	}
	return dst.tracker.OnSessionEnd(sub)
}

// Destinations lists open destinations sorted by name
func (b *Broker) Destinations() []DestinationInfo {
	out := make([]DestinationInfo, 0, b.destinations.Size())
	b.destinations.Range(func(name string, dst *destination) bool {
		subs := dst.snapshot()
		pending := 0
		for _, s := range subs {
			pending += s.Pending()
		}
		out = append(out, DestinationInfo{
			Destination:   dst.dest.String(),
			Index:         name,
			Records:       dst.index.Len(),
			Subscriptions: len(subs),
			Pending:       pending,
			Redeliveries:  dst.tracker.Redeliveries(),
			Position:      dst.cursor.Position(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Close stops every cursor, ends every session and releases the indices.
// A failing release is logged and the rest still run.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}

	var errs error
	b.destinations.Range(func(name string, dst *destination) bool {
		dst.cursor.Stop()
		for _, s := range dst.snapshot() {
			dst.detach(s)
			telemetry.ActiveSubscriptions.Dec()
			dst.tracker.OnSessionEnd(s)
		}
		if err := b.mgr.Release(name); err != nil {
			log.Warn().Err(err).Str("destination", dst.dest.String()).Msg("Failed to release destination index")
			errs = multierr.Append(errs, err)
		}
		b.destinations.Delete(name)
		return true
	})

	log.Info().Msg("Broker closed")
	return errs
}
