// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-client state machine: subscriptions,
// the QoS inflight window, the bounded message queue, packet-id allocation,
// keepalive and the will message. Each session owns its state exclusively;
// the dispatch path talks to it only through Enqueue and the broker through
// the ack handlers.
package session

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
	"github.com/absmach/fluxroute/topics"
)

// State represents the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Writer is the codec collaborator: it encodes and writes control packets to
// the client connection.
type Writer interface {
	WritePublish(msg core.Message, packetID uint16, dup bool) error
	WritePubRel(packetID uint16) error
	WriteDisconnect(reason core.ReasonCode) error
	Close() error
}

// Will is the message published when the session dies unclean.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	// Delay carries the MQTT 5 will delay interval. The broker publishes the
	// will when the session closes and does not apply Delay.
	Delay time.Duration
}

// Options configures a session at CONNECT time.
type Options struct {
	CleanStart bool
	// Expiry is how long a non-clean session survives disconnected.
	Expiry time.Duration
	// ReceiveMaximum is the client's inbound window, our send quota.
	ReceiveMaximum uint16
	KeepAlive      time.Duration
	Will           *Will

	QueueMax       int
	QueueHighWater int
	Overflow       OverflowPolicy

	RetryInterval time.Duration
	RetryMax      int

	// PublishRate limits inbound publishes per second. Zero disables it.
	PublishRate  float64
	PublishBurst int
}

// CloseFunc observes a session leaving the connected state.
type CloseFunc func(s *Session, cause core.DisconnectCause)

// Session is the per-client state machine. It runs as a single task that
// drains the queue toward the writer; all other goroutines interact with it
// through channels and the locked accessors.
type Session struct {
	ID string
	// Protocol is the protocol name reported by the listener (mqtt3, mqtt5).
	Protocol string

	mu             sync.RWMutex
	state          State
	writer         Writer
	connectedAt    time.Time
	disconnectedAt time.Time
	lastActivity   time.Time

	CleanStart bool
	Expiry     time.Duration
	KeepAlive  time.Duration
	will       *Will

	subscriptions map[string]topics.Options

	inflight *Inflight
	queue    *Queue
	limiter  *rate.Limiter

	nextPacketID uint16

	retryInterval time.Duration
	retryMax      int

	onClose CloseFunc
	logger  *slog.Logger

	ackCh  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a session in the idle state.
func New(clientID string, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5
	}

	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}

	return &Session{
		ID:            clientID,
		state:         StateIdle,
		CleanStart:    opts.CleanStart,
		Expiry:        opts.Expiry,
		KeepAlive:     opts.KeepAlive,
		will:          opts.Will,
		subscriptions: make(map[string]topics.Options),
		inflight:      NewInflight(int(opts.ReceiveMaximum)),
		queue:         NewQueue(opts.QueueMax, opts.QueueHighWater, opts.Overflow),
		limiter:       limiter,
		retryInterval: opts.RetryInterval,
		retryMax:      opts.RetryMax,
		logger:        logger.With(slog.String("client_id", clientID)),
		ackCh:         make(chan struct{}, 1),
	}
}

// SetOnClose registers the broker's teardown callback.
func (s *Session) SetOnClose(fn CloseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether the session has a live connection.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Connect attaches a writer and starts the session task. Messages already
// inflight (a resumed session) are retransmitted with the DUP flag and the
// original packet IDs.
func (s *Session) Connect(w Writer) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.writer = w
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

// UpdateOptions applies CONNECT-time options on a resumed session.
func (s *Session) UpdateOptions(keepAlive, expiry time.Duration, will *Will) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAlive = keepAlive
	s.Expiry = expiry
	s.will = will
}

// Touch records inbound activity for keepalive accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AllowPublish applies the inbound publish rate limit.
func (s *Session) AllowPublish() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Backpressured reports whether the queue is above its high watermark; the
// dispatch path stops delivering non-essential messages while it holds.
func (s *Session) Backpressured() bool {
	return s.queue.OverWatermark()
}

// QueueLen returns the current queue depth.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// Enqueue hands a message to the session. Ordering follows enqueue order.
// ErrQueueFull means the message was dropped under the drop_newest policy;
// ErrQueueDisconnect means the caller must disconnect the session.
func (s *Session) Enqueue(msg core.Message) error {
	dropped, err := s.queue.Enqueue(msg)
	if err != nil {
		return err
	}
	if dropped != nil {
		s.logger.Debug("queue overflow dropped oldest", slog.String("topic", dropped.Topic))
	}
	return nil
}

// --- Subscriptions ---

// AddSubscription caches a subscription.
func (s *Session) AddSubscription(filter string, opts topics.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = opts
}

// RemoveSubscription drops a cached subscription and reports whether it was
// present.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return ok
}

// HasSubscription reports whether the filter is subscribed.
func (s *Session) HasSubscription(filter string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[filter]
	return ok
}

// Subscriptions returns a copy of the subscription map.
func (s *Session) Subscriptions() map[string]topics.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]topics.Options, len(s.subscriptions))
	for f, o := range s.subscriptions {
		out[f] = o
	}
	return out
}

// --- Packet IDs ---

// NextPacketID allocates a packet ID in [1, 65535], skipping IDs that are
// inflight.
func (s *Session) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < 65535; i++ {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if !s.inflight.Has(s.nextPacketID) {
			return s.nextPacketID, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// --- QoS acknowledgements ---

// HandlePubAck completes a QoS 1 delivery.
func (s *Session) HandlePubAck(packetID uint16) error {
	if _, err := s.inflight.Ack(packetID); err != nil {
		return err
	}
	s.wakeAck()
	return nil
}

// HandlePubRec advances a QoS 2 delivery: record the PUBREC and send PUBREL.
func (s *Session) HandlePubRec(packetID uint16) error {
	if err := s.inflight.Rel(packetID); err != nil {
		return err
	}
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.WritePubRel(packetID)
}

// HandlePubComp completes a QoS 2 delivery.
func (s *Session) HandlePubComp(packetID uint16) error {
	if _, err := s.inflight.Ack(packetID); err != nil {
		return err
	}
	s.wakeAck()
	return nil
}

// DupPublish reports whether an inbound QoS 2 publish is a retransmission
// whose first copy was already dispatched.
func (s *Session) DupPublish(packetID uint16) bool {
	return s.inflight.WasReceived(packetID)
}

// MarkPublishReceived records an inbound QoS 2 packet ID (PUBREC sent).
func (s *Session) MarkPublishReceived(packetID uint16) {
	s.inflight.MarkReceived(packetID)
}

// HandlePubRel completes the inbound half of a QoS 2 exchange (PUBCOMP sent).
func (s *Session) HandlePubRel(packetID uint16) {
	s.inflight.ClearReceived(packetID)
}

func (s *Session) wakeAck() {
	select {
	case s.ackCh <- struct{}{}:
	default:
	}
}

// --- Will and expiry ---

// Will returns the will message, if any.
func (s *Session) Will() *Will {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will
}

// ExpiryDeadline returns when a disconnected session becomes reapable. The
// zero time means the session is connected or expires immediately.
func (s *Session) ExpiryDeadline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateDisconnected || s.CleanStart {
		return time.Time{}
	}
	return s.disconnectedAt.Add(s.Expiry)
}

// --- Disconnect ---

// Disconnect ends the connection and waits for the session task to stop.
// The will survives for the broker to publish unless the cause is clean.
func (s *Session) Disconnect(cause core.DisconnectCause) {
	if s.beginDisconnect(cause) {
		s.wg.Wait()
	}
}

// disconnectFromTask is Disconnect for use inside the session task, where
// waiting on the task itself would deadlock.
func (s *Session) disconnectFromTask(cause core.DisconnectCause) {
	s.beginDisconnect(cause)
}

func (s *Session) beginDisconnect(cause core.DisconnectCause) bool {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	s.state = StateDisconnected
	s.disconnectedAt = time.Now()

	if s.writer != nil {
		// Server-initiated causes send an outbound DISCONNECT with the
		// reason; a client disconnect or dead socket gets nothing.
		if cause != core.CauseClean && cause != core.CauseSocket {
			_ = s.writer.WriteDisconnect(cause.Reason())
		}
		_ = s.writer.Close()
		s.writer = nil
	}
	if cause == core.CauseClean {
		s.will = nil
	}
	close(s.stopCh)
	cb := s.onClose
	s.mu.Unlock()

	if cb != nil {
		go cb(s, cause)
	}
	return true
}

// --- Persistence ---

// StateRecord captures the session for the session store.
func (s *Session) StateRecord() storage.SessionState {
	recs, received := s.inflight.Records()
	st := storage.SessionState{
		ClientID:       s.ID,
		Subscriptions:  s.Subscriptions(),
		Inflight:       recs,
		ReceivedIDs:    received,
		Queue:          s.queue.Head(s.queue.max),
		ExpiryDeadline: s.ExpiryDeadline(),
	}
	return st
}

// RestoreState loads persisted state into a fresh session.
func (s *Session) RestoreState(st storage.SessionState) {
	s.mu.Lock()
	for f, o := range st.Subscriptions {
		s.subscriptions[f] = o
	}
	s.mu.Unlock()

	s.inflight.Restore(st.Inflight, st.ReceivedIDs)
	for _, msg := range st.Queue {
		if _, err := s.queue.Enqueue(msg); err != nil {
			break
		}
	}
}

// --- Task ---

func (s *Session) run() {
	defer s.wg.Done()

	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	retry := time.NewTicker(s.retryInterval)
	defer retry.Stop()

	var keepalive *time.Ticker
	var kaC <-chan time.Time
	if s.KeepAlive > 0 {
		keepalive = time.NewTicker(s.KeepAlive / 2)
		kaC = keepalive.C
		defer keepalive.Stop()
	}

	// A resumed session retransmits its window before new traffic.
	s.retransmit()
	s.drain(stopCh)

	for {
		select {
		case <-stopCh:
			return
		case <-s.queue.Signal():
			s.drain(stopCh)
		case <-s.ackCh:
			s.drain(stopCh)
		case <-retry.C:
			if !s.retryExpired() {
				return
			}
		case <-kaC:
			if !s.checkKeepAlive() {
				return
			}
		}
	}
}

// drain moves queued messages to the writer until the queue empties, the
// window fills, or the connection breaks.
func (s *Session) drain(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		s.mu.RLock()
		w := s.writer
		s.mu.RUnlock()
		if w == nil {
			return
		}

		msg, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if msg.Expired(time.Now()) {
			s.logger.Debug("dropping expired message", slog.String("topic", msg.Topic))
			continue
		}

		if msg.QoS == 0 {
			if err := w.WritePublish(msg, 0, false); err != nil {
				s.logger.Debug("write failed", slog.Any("error", err))
				s.disconnectFromTask(core.CauseSocket)
				return
			}
			continue
		}

		if s.inflight.Full() {
			s.queue.Requeue(msg)
			return
		}
		packetID, err := s.NextPacketID()
		if err != nil {
			s.queue.Requeue(msg)
			return
		}
		if err := s.inflight.Add(packetID, msg); err != nil {
			s.queue.Requeue(msg)
			return
		}
		if err := w.WritePublish(msg, packetID, false); err != nil {
			// The message stays inflight and goes out again on resume.
			s.logger.Debug("write failed", slog.Any("error", err))
			s.disconnectFromTask(core.CauseSocket)
			return
		}
	}
}

// retransmit resends the whole inflight window with DUP set, reusing the
// original packet IDs.
func (s *Session) retransmit() {
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return
	}

	for _, m := range s.inflight.All() {
		var err error
		if m.State == StatePubRelSent {
			err = w.WritePubRel(m.PacketID)
		} else {
			err = w.WritePublish(m.Message, m.PacketID, true)
		}
		if err != nil {
			s.disconnectFromTask(core.CauseSocket)
			return
		}
		s.inflight.MarkRetry(m.PacketID)
	}
}

// retryExpired retransmits timed-out inflight messages. It returns false
// when the session disconnected because a message exhausted its retries.
func (s *Session) retryExpired() bool {
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return false
	}

	for _, m := range s.inflight.Expired(s.retryInterval) {
		if m.Retries >= s.retryMax {
			s.logger.Warn("inflight message exhausted retries",
				slog.Int("packet_id", int(m.PacketID)),
				slog.Int("retries", m.Retries))
			s.disconnectFromTask(core.CauseInflightExpired)
			return false
		}
		var err error
		if m.State == StatePubRelSent {
			err = w.WritePubRel(m.PacketID)
		} else {
			err = w.WritePublish(m.Message, m.PacketID, true)
		}
		if err != nil {
			s.disconnectFromTask(core.CauseSocket)
			return false
		}
		s.inflight.MarkRetry(m.PacketID)
	}
	return true
}

// checkKeepAlive disconnects the session when no byte arrived within 1.5
// times the keepalive interval. It returns false on disconnect.
func (s *Session) checkKeepAlive() bool {
	s.mu.RLock()
	last := s.lastActivity
	s.mu.RUnlock()

	if time.Since(last) >= s.KeepAlive*3/2 {
		s.logger.Info("keepalive expired")
		s.disconnectFromTask(core.CauseKeepAlive)
		return false
	}
	return true
}
