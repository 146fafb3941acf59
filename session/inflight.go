// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
)

// InflightState represents the state of an outbound inflight message.
type InflightState byte

const (
	// StatePublishSent means PUBLISH was sent, waiting for PUBACK (QoS 1)
	// or PUBREC (QoS 2).
	StatePublishSent InflightState = iota
	// StatePubRelSent means PUBREC was received and PUBREL sent, waiting
	// for PUBCOMP (QoS 2).
	StatePubRelSent
)

// InflightMessage is an outbound message waiting for acknowledgment.
type InflightMessage struct {
	PacketID uint16
	Message  core.Message
	State    InflightState
	SentAt   time.Time
	Retries  int
}

// Inflight tracks the QoS 1/2 window toward the client. The window is
// bounded by the client's receive maximum (its send quota); inbound QoS 2
// packet IDs are tracked separately for duplicate detection across the
// PUBLISH/PUBREL exchange.
type Inflight struct {
	mu       sync.Mutex
	messages map[uint16]*InflightMessage
	quota    int

	receivedIDs map[uint16]time.Time
}

// NewInflight creates a tracker with the given send quota.
func NewInflight(quota int) *Inflight {
	if quota <= 0 || quota > 65535 {
		quota = 65535
	}
	return &Inflight{
		messages:    make(map[uint16]*InflightMessage),
		quota:       quota,
		receivedIDs: make(map[uint16]time.Time),
	}
}

// Add places a message in the window.
func (t *Inflight) Add(packetID uint16, msg core.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.messages) >= t.quota {
		return ErrInflightFull
	}
	t.messages[packetID] = &InflightMessage{
		PacketID: packetID,
		Message:  msg,
		State:    StatePublishSent,
		SentAt:   time.Now(),
	}
	return nil
}

// Has reports whether the packet ID is in the window.
func (t *Inflight) Has(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.messages[packetID]
	return ok
}

// Full reports whether the window is at its quota.
func (t *Inflight) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages) >= t.quota
}

// Len returns the number of messages in the window.
func (t *Inflight) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Ack removes a message on PUBACK (QoS 1) or PUBCOMP (QoS 2).
func (t *Inflight) Ack(packetID uint16) (core.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.messages[packetID]
	if !ok {
		return core.Message{}, fmt.Errorf("ack packet %d: %w", packetID, ErrPacketNotFound)
	}
	delete(t.messages, packetID)
	return m.Message, nil
}

// Rel transitions a QoS 2 message to PUBREL-sent on PUBREC.
func (t *Inflight) Rel(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("rel packet %d: %w", packetID, ErrPacketNotFound)
	}
	m.State = StatePubRelSent
	m.SentAt = time.Now()
	return nil
}

// Expired returns copies of messages unacked for longer than timeout.
func (t *Inflight) Expired(timeout time.Duration) []InflightMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var out []InflightMessage
	for _, m := range t.messages {
		if now.Sub(m.SentAt) >= timeout {
			out = append(out, *m)
		}
	}
	return out
}

// MarkRetry bumps the retry counter and send time after a retransmission.
func (t *Inflight) MarkRetry(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("retry packet %d: %w", packetID, ErrPacketNotFound)
	}
	m.SentAt = time.Now()
	m.Retries++
	return nil
}

// All returns copies of every message in the window.
func (t *Inflight) All() []InflightMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]InflightMessage, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, *m)
	}
	return out
}

// Clear drops the whole window and the received-ID set.
func (t *Inflight) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = make(map[uint16]*InflightMessage)
	t.receivedIDs = make(map[uint16]time.Time)
}

// MarkReceived records an inbound QoS 2 packet ID for duplicate detection.
func (t *Inflight) MarkReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivedIDs[packetID] = time.Now()
}

// WasReceived reports whether the inbound packet ID was already seen.
func (t *Inflight) WasReceived(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.receivedIDs[packetID]
	return ok
}

// ClearReceived forgets an inbound packet ID after PUBCOMP is sent.
func (t *Inflight) ClearReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivedIDs, packetID)
}

// Records returns the persisted form of the window for a non-clean session.
func (t *Inflight) Records() ([]storage.InflightRecord, []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recs := make([]storage.InflightRecord, 0, len(t.messages))
	for _, m := range t.messages {
		recs = append(recs, storage.InflightRecord{
			PacketID: m.PacketID,
			Message:  m.Message,
			State:    byte(m.State),
			Retries:  m.Retries,
		})
	}
	ids := make([]uint16, 0, len(t.receivedIDs))
	for id := range t.receivedIDs {
		ids = append(ids, id)
	}
	return recs, ids
}

// Restore loads a persisted window, keeping the original packet IDs so that
// retransmission after resume reuses them.
func (t *Inflight) Restore(recs []storage.InflightRecord, receivedIDs []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range recs {
		t.messages[r.PacketID] = &InflightMessage{
			PacketID: r.PacketID,
			Message:  r.Message,
			State:    InflightState(r.State),
			SentAt:   time.Now(),
			Retries:  r.Retries,
		}
	}
	for _, id := range receivedIDs {
		t.receivedIDs[id] = time.Now()
	}
}
