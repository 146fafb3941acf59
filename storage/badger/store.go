// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the durable storage backend on BadgerDB. Values
// are msgpack-encoded; retained messages and session state live under
// distinct key prefixes in one DB.
package badger

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/absmach/fluxroute/storage"
)

const (
	retainedPrefix = "r/"
	sessionPrefix  = "s/"
)

// Store is a BadgerDB-backed storage.Store.
type Store struct {
	db       *badger.DB
	retained *RetainedStore
	sessions *SessionStore
}

// New opens (or creates) the store at dir.
func New(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{
		db:       db,
		retained: &RetainedStore{db: db},
		sessions: &SessionStore{db: db},
	}, nil
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore { return s.retained }

// Sessions returns the session state store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// Close closes the underlying DB.
func (s *Store) Close() error {
	return s.db.Close()
}
