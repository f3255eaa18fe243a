package protocol

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/quarry/broker"
	"github.com/rs/zerolog/log"
)

var sessionIDs atomic.Uint64

// ErrSessionClosed is returned for frames arriving after DISCONNECT or Close
var ErrSessionClosed = errors.New("session is closed")

type sessionSub struct {
	id   string
	dest string
	sub  *broker.Subscription
}

// Session is the broker side of one client connection. The transport hands it
// parsed frames through Handle and receives outbound frames via the FrameWriter.
// Ack anomalies are logged and never end the session.
type Session struct {
	id     uint64
	broker *broker.Broker
	out    FrameWriter

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	ended     bool
	subs      map[string]*sessionSub

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup
}

// NewSession creates a session writing outbound frames to out
func NewSession(b *broker.Broker, out FrameWriter) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     sessionIDs.Add(1),
		broker: b,
		out:    out,
		subs:   make(map[string]*sessionSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) write(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.out.WriteFrame(f)
}

// Handle processes one inbound frame. Failures are reported to the client as
// ERROR frames and also returned.
func (s *Session) Handle(ctx context.Context, f *Frame) error {
	s.mu.Lock()
	connected, ended := s.connected, s.ended
	s.mu.Unlock()

	if ended {
		return ErrSessionClosed
	}

	var err error
	switch f.Command {
	case CmdConnect, CmdStomp:
		err = s.handleConnect(f)
	case CmdDisconnect:
		return s.handleDisconnect(f)
	default:
		if !connected {
			err = newProtocolError("not connected", f.Command+" before CONNECT")
			break
		}
		switch f.Command {
		case CmdSubscribe:
			err = s.handleSubscribe(f)
		case CmdUnsubscribe:
			err = s.handleUnsubscribe(f)
		case CmdSend:
			err = s.handleSend(ctx, f)
		case CmdAck:
			err = s.handleAck(f)
		default:
			err = newProtocolError("unknown command", f.Command)
		}
	}

	if err != nil {
		log.Debug().Err(err).Uint64("session", s.id).Str("command", f.Command).Msg("Frame rejected")
		if werr := s.write(ConvertToErrorFrame(err)); werr != nil {
			return werr
		}
		return err
	}
	return s.receipt(f)
}

func (s *Session) receipt(f *Frame) error {
	id := f.Header(HdrReceipt)
	if id == "" {
		return nil
	}
	return s.write(NewFrame(CmdReceipt, HdrReceiptID, id))
}

func (s *Session) handleConnect(f *Frame) error {
	s.mu.Lock()
	already := s.connected
	s.connected = true
	s.mu.Unlock()

	if already {
		return newProtocolError("already connected", "")
	}

	log.Debug().Uint64("session", s.id).Str("login", f.Header(HdrLogin)).Msg("Session connected")
	return s.write(NewFrame(CmdConnected,
		HdrSession, strconv.FormatUint(s.id, 10),
		HdrServer, "quarry",
		HdrVersion, "1.0",
	))
}

func (s *Session) handleSubscribe(f *Frame) error {
	dest := f.Header(HdrDestination)
	if dest == "" {
		return newProtocolError("missing header", HdrDestination)
	}
	mode, err := broker.ParseAckMode(f.Header(HdrAck))
	if err != nil {
		return newProtocolError("invalid ack mode", f.Header(HdrAck))
	}

	prefetch := 0
	if raw := f.Header(HdrPrefetch); raw != "" {
		if prefetch, err = strconv.Atoi(raw); err != nil || prefetch < 0 {
			return newProtocolError("invalid prefetch", raw)
		}
	}

	id := f.Header(HdrID)
	if id == "" {
		id = dest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; ok {
		return newProtocolError("duplicate subscription", id)
	}

	sub, err := s.broker.Subscribe(dest, broker.SubscribeOptions{ID: id, Ack: mode, Prefetch: prefetch})
	if err != nil {
		return err
	}

	ss := &sessionSub{id: id, dest: dest, sub: sub}
	s.subs[id] = ss

	s.pumps.Add(1)
	go s.pump(ss)
	return nil
}

// pump forwards deliveries of one subscription as MESSAGE frames
func (s *Session) pump(ss *sessionSub) {
	defer s.pumps.Done()

	timeout := s.broker.ReceiveTimeout()
	for {
		d, err := ss.sub.Receive(s.ctx, timeout)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrContentionTimeout):
			continue
		case errors.Is(err, broker.ErrSubscriptionClosed), errors.Is(err, context.Canceled):
			return
		default:
			log.Warn().Err(err).Uint64("session", s.id).Str("subscription", ss.id).Msg("Receive failed")
			return
		}

		// An auto-ack delivery is already settled here; a failed write drops it
		if err := s.write(messageFrame(ss, d)); err != nil {
			log.Warn().Err(err).Uint64("session", s.id).Msg("Write failed, dropping connection")
			s.end()
			return
		}
	}
}

func messageFrame(ss *sessionSub, d *broker.Delivery) *Frame {
	f := &Frame{
		Command: CmdMessage,
		Headers: make(map[string]string, len(d.Message.Headers)+6),
		Body:    d.Message.Body,
	}
	for k, v := range d.Message.Headers {
		f.Headers[k] = v
	}
	f.Headers[HdrDestination] = ss.dest
	f.Headers[HdrSubscription] = ss.id
	f.Headers[HdrMessageID] = d.MessageID()
	f.Headers[HdrStoreKey] = d.Key
	f.Headers[HdrTimestamp] = strconv.FormatInt(d.Message.Timestamp, 10)
	if d.Redelivered {
		f.Headers[HdrRedelivered] = "true"
		f.Headers[HdrRedeliveryCount] = strconv.Itoa(d.RedeliveryCount)
	}
	return f
}

func (s *Session) handleUnsubscribe(f *Frame) error {
	id := f.Header(HdrID)
	if id == "" {
		id = f.Header(HdrDestination)
	}
	if id == "" {
		return newProtocolError("missing header", HdrID)
	}

	s.mu.Lock()
	ss, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		return newProtocolError("unknown subscription", id)
	}

	n := s.broker.Unsubscribe(ss.sub)
	log.Debug().Uint64("session", s.id).Str("subscription", id).Int("reassigned", n).Msg("Unsubscribed")
	return nil
}

func (s *Session) handleSend(ctx context.Context, f *Frame) error {
	dest := f.Header(HdrDestination)
	if dest == "" {
		return newProtocolError("missing header", HdrDestination)
	}

	var headers map[string]string
	for k, v := range f.Headers {
		switch k {
		case HdrDestination, HdrReceipt, HdrContentLength:
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[k] = v
	}

	_, err := s.broker.Send(ctx, dest, f.Body, headers)
	return err
}

// handleAck settles one delivery. Unknown, stale or duplicate acks are logged
// and ignored.
func (s *Session) handleAck(f *Frame) error {
	raw := f.Header(HdrMessageID)
	if raw == "" {
		return newProtocolError("missing header", HdrMessageID)
	}

	subID, deliveryID, ok := broker.ParseMessageID(raw)
	if !ok {
		log.Warn().Uint64("session", s.id).Str("message_id", raw).Msg("Ignoring ack with malformed message-id")
		return nil
	}

	s.mu.Lock()
	ss, found := s.subs[subID]
	s.mu.Unlock()

	if !found {
		log.Warn().Uint64("session", s.id).Str("message_id", raw).Msg("Ignoring ack for unknown subscription")
		return nil
	}

	err := ss.sub.Ack(deliveryID)
	var invalid *broker.InvalidAckError
	if errors.As(err, &invalid) {
		log.Warn().Err(err).Uint64("session", s.id).Msg("Ignoring invalid ack")
		return nil
	}
	return err
}

func (s *Session) handleDisconnect(f *Frame) error {
	s.end()
	s.pumps.Wait()

	// The receipt goes out after every pending window has been reassigned
	if id := f.Header(HdrReceipt); id != "" {
		return s.write(NewFrame(CmdReceipt, HdrReceiptID, id))
	}
	return nil
}

// end reassigns every pending window and stops the pumps without waiting
func (s *Session) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	subs := s.subs
	s.subs = make(map[string]*sessionSub)
	s.mu.Unlock()

	s.cancel()

	reassigned := 0
	for _, ss := range subs {
		reassigned += s.broker.Unsubscribe(ss.sub)
	}
	log.Debug().Uint64("session", s.id).Int("reassigned", reassigned).Msg("Session ended")
}

// Close models loss of the connection
func (s *Session) Close() {
	s.end()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Uint64("session", s.id).Msg("Timed out waiting for subscription pumps")
	}
}
