// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/absmach/fluxroute/storage"
)

// SessionStore persists non-clean session state under the "s/" prefix.
type SessionStore struct {
	db *badger.DB
}

// Save persists session state.
func (s *SessionStore) Save(st storage.SessionState) error {
	val, err := msgpack.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+st.ClientID), val)
	})
}

// Get returns the persisted state for a client ID.
func (s *SessionStore) Get(clientID string) (storage.SessionState, error) {
	var st storage.SessionState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + clientID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.SessionState{}, storage.ErrNotFound
	}
	return st, err
}

// Delete removes persisted state for a client ID.
func (s *SessionStore) Delete(clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionPrefix + clientID))
	})
}

// Expired returns client IDs whose expiry deadline passed.
func (s *SessionStore) Expired(now time.Time) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var st storage.SessionState
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &st)
			})
			if err != nil {
				return err
			}
			if !st.ExpiryDeadline.IsZero() && now.After(st.ExpiryDeadline) {
				out = append(out, st.ClientID)
			}
		}
		return nil
	})
	return out, err
}

// Close is a no-op; the shared DB is closed by the Store.
func (s *SessionStore) Close() error { return nil }
