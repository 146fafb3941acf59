// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
)

// RetainedStore persists retained messages under the "r/" prefix.
type RetainedStore struct {
	db *badger.DB
}

// Set stores the retained message for msg.Topic.
func (r *RetainedStore) Set(msg core.Message) error {
	val, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(retainedPrefix+msg.Topic), val)
	})
}

// Get returns the retained message for a topic.
func (r *RetainedStore) Get(topic string) (core.Message, error) {
	var msg core.Message
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(retainedPrefix + topic))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &msg)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.Message{}, storage.ErrNotFound
	}
	return msg, err
}

// Delete removes the retained message for a topic.
func (r *RetainedStore) Delete(topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(retainedPrefix + topic))
	})
}

// Walk visits every retained message until fn returns false.
func (r *RetainedStore) Walk(fn func(msg core.Message) bool) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg core.Message
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			if !fn(msg) {
				return nil
			}
		}
		return nil
	})
}

// Count returns the number of retained messages.
func (r *RetainedStore) Count() (int, error) {
	n := 0
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close is a no-op; the shared DB is closed by the Store.
func (r *RetainedStore) Close() error { return nil }
