// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts for retained messages and
// non-clean session state. Backends live in the memory and badger
// subpackages; the routing core never touches a backend directly.
package storage

import (
	"errors"
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/topics"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// InflightRecord is a persisted QoS 1/2 inflight entry.
type InflightRecord struct {
	PacketID uint16
	Message  core.Message
	// State distinguishes PUBLISH-sent from PUBREL-sent (QoS 2).
	State   byte
	Retries int
}

// SessionState is the persisted state of a non-clean session: subscriptions,
// the inflight map and the queued messages, oldest first.
type SessionState struct {
	ClientID      string
	Subscriptions map[string]topics.Options
	Inflight      []InflightRecord
	Queue         []core.Message
	// ReceivedIDs are inbound QoS 2 packet IDs whose PUBREL is outstanding.
	ReceivedIDs    []uint16
	ExpiryDeadline time.Time
}

// RetainedStore keeps the last retained message per concrete topic.
type RetainedStore interface {
	// Set stores the retained message for msg.Topic, replacing any previous
	// one.
	Set(msg core.Message) error
	// Get returns the retained message for a topic or ErrNotFound.
	Get(topic string) (core.Message, error)
	// Delete removes the retained message for a topic. Deleting an absent
	// topic is not an error.
	Delete(topic string) error
	// Walk visits every retained message until fn returns false.
	Walk(fn func(msg core.Message) bool) error
	// Count returns the number of retained messages.
	Count() (int, error)
	Close() error
}

// SessionStore persists non-clean session state across reconnects and node
// restarts.
type SessionStore interface {
	Save(st SessionState) error
	Get(clientID string) (SessionState, error)
	Delete(clientID string) error
	// Expired returns the client IDs whose expiry deadline passed.
	Expired(now time.Time) ([]string, error)
	Close() error
}

// Store bundles the backends behind one handle.
type Store interface {
	Retained() RetainedStore
	Sessions() SessionStore
	Close() error
}
