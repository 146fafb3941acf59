// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acl provides the per-session authorization decision cache. The ACL
// chain itself lives behind the broker's Authorizer interface; this cache
// keeps its verdicts so that the chain runs once per (action, topic) instead
// of once per packet.
package acl

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Action is the operation being authorized.
type Action byte

const (
	// ActionPublish authorizes publishing to a topic.
	ActionPublish Action = iota
	// ActionSubscribe authorizes subscribing to a filter.
	ActionSubscribe
)

func (a Action) String() string {
	if a == ActionPublish {
		return "publish"
	}
	return "subscribe"
}

// Decision is a cached authorization verdict.
type Decision byte

const (
	// Deny rejects the operation.
	Deny Decision = iota
	// Allow permits the operation.
	Allow
)

type key struct {
	action Action
	topic  string
}

// Cache is a bounded LRU of authorization decisions with TTL-bounded
// staleness. It is owned by a single session task and is not safe for
// concurrent use by multiple sessions; the expirable LRU underneath carries
// its own lock, which covers the broadcast Purge path.
type Cache struct {
	lru *expirable.LRU[key, Decision]
}

// NewCache creates a decision cache bounded by maxSize entries. A zero ttl
// disables time-based expiry.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 32
	}
	return &Cache{
		lru: expirable.NewLRU[key, Decision](maxSize, nil, ttl),
	}
}

// Get returns the cached decision for (action, topic), if present.
func (c *Cache) Get(action Action, topic string) (Decision, bool) {
	return c.lru.Get(key{action, topic})
}

// Put stores a decision for (action, topic).
func (c *Cache) Put(action Action, topic string, d Decision) {
	c.lru.Add(key{action, topic}, d)
}

// Purge drops every cached decision. Called when authorization rules change.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached decisions.
func (c *Cache) Len() int {
	return c.lru.Len()
}
