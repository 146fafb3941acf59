// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides in-process storage backends.
package memory

import (
	"sync"
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	retained *RetainedStore
	sessions *SessionStore
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		retained: NewRetainedStore(),
		sessions: NewSessionStore(),
	}
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore { return s.retained }

// Sessions returns the session state store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// Close is a no-op for the memory backend.
func (s *Store) Close() error { return nil }

// RetainedStore keeps retained messages in a map keyed by topic.
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]core.Message
}

// NewRetainedStore creates an empty retained store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{messages: make(map[string]core.Message)}
}

// Set stores the retained message for msg.Topic.
func (r *RetainedStore) Set(msg core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.Topic] = msg
	return nil
}

// Get returns the retained message for a topic.
func (r *RetainedStore) Get(topic string) (core.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.messages[topic]
	if !ok {
		return core.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

// Delete removes the retained message for a topic.
func (r *RetainedStore) Delete(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, topic)
	return nil
}

// Walk visits every retained message until fn returns false.
func (r *RetainedStore) Walk(fn func(msg core.Message) bool) error {
	r.mu.RLock()
	msgs := make([]core.Message, 0, len(r.messages))
	for _, m := range r.messages {
		msgs = append(msgs, m)
	}
	r.mu.RUnlock()

	for _, m := range msgs {
		if !fn(m) {
			return nil
		}
	}
	return nil
}

// Count returns the number of retained messages.
func (r *RetainedStore) Count() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages), nil
}

// Close is a no-op.
func (r *RetainedStore) Close() error { return nil }

// SessionStore keeps session state in a map keyed by client ID.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]storage.SessionState
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]storage.SessionState)}
}

// Save persists session state.
func (s *SessionStore) Save(st storage.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[st.ClientID] = st
	return nil
}

// Get returns the persisted state for a client ID.
func (s *SessionStore) Get(clientID string) (storage.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[clientID]
	if !ok {
		return storage.SessionState{}, storage.ErrNotFound
	}
	return st, nil
}

// Delete removes persisted state for a client ID.
func (s *SessionStore) Delete(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	return nil
}

// Expired returns client IDs whose expiry deadline passed.
func (s *SessionStore) Expired(now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, st := range s.sessions {
		if !st.ExpiryDeadline.IsZero() && now.After(st.ExpiryDeadline) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *SessionStore) Close() error { return nil }
