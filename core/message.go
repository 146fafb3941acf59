// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/google/uuid"
)

// Headers carries connection-level metadata attached to a message at the
// point of publish.
type Headers struct {
	Username string
	PeerHost string
	Protocol string
	// Expiry is the message expiry interval in seconds. Zero means no expiry.
	Expiry uint32
}

// Message is a routed publish. Once constructed it is treated as immutable;
// paths that need to change a flag (retain-as-published, dup on resend) work
// on a copy.
type Message struct {
	ID        string
	From      string
	QoS       byte
	Dup       bool
	Retain    bool
	Sys       bool
	Headers   Headers
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// NewMessage builds a message with a fresh ID and timestamp.
func NewMessage(from, topic string, payload []byte, qos byte, retain bool) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		QoS:       qos,
		Retain:    retain,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewSysMessage builds a broker-originated message.
func NewSysMessage(topic string, payload []byte) Message {
	m := NewMessage("", topic, payload, 0, true)
	m.Sys = true
	return m
}

// Expired reports whether the message expiry interval has elapsed.
func (m Message) Expired(now time.Time) bool {
	if m.Headers.Expiry == 0 {
		return false
	}
	return now.Sub(m.Timestamp) > time.Duration(m.Headers.Expiry)*time.Second
}
