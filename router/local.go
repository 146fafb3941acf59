// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the subscription routing layer: the local
// subscription index, the replicated cluster route table and the worker pool
// that serializes route mutations per filter.
package router

import (
	"sync"

	"github.com/absmach/fluxroute/topics"
)

// Entry is a local match result: a session and the options of the
// subscription that matched.
type Entry struct {
	SessionID string
	Options   topics.Options
}

// Local is the node-local subscription index: a hash map from filter to
// subscriber set, plus a trie holding exactly the wildcard filters. Exact
// filters are answered by the map alone.
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[string]topics.Options
	trie *topics.Trie
}

// NewLocal creates an empty index.
func NewLocal() *Local {
	return &Local{
		subs: make(map[string]map[string]topics.Options),
		trie: topics.NewTrie(),
	}
}

// Subscribe adds (session, options) under filter. It returns true when this
// is the first local subscriber to the filter, which is the caller's cue to
// create the cluster route.
func (l *Local) Subscribe(sessionID, filter string, opts topics.Options) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.subs[filter]
	if !ok {
		set = make(map[string]topics.Options)
		l.subs[filter] = set
		if topics.IsWildcard(filter) {
			l.trie.Insert(filter)
		}
	}
	set[sessionID] = opts
	return !ok
}

// Unsubscribe removes a session from a filter. It returns (found, last):
// whether the subscription existed and whether it was the last local
// subscriber, the caller's cue to delete the cluster route.
func (l *Local) Unsubscribe(sessionID, filter string) (found, last bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.subs[filter]
	if !ok {
		return false, false
	}
	if _, ok := set[sessionID]; !ok {
		return false, false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(l.subs, filter)
		if topics.IsWildcard(filter) {
			l.trie.Delete(filter)
		}
		return true, true
	}
	return true, false
}

// RemoveSession drops every subscription of a session and returns the
// filters that lost their last local subscriber.
func (l *Local) RemoveSession(sessionID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var emptied []string
	for filter, set := range l.subs {
		if _, ok := set[sessionID]; !ok {
			continue
		}
		delete(set, sessionID)
		if len(set) == 0 {
			delete(l.subs, filter)
			if topics.IsWildcard(filter) {
				l.trie.Delete(filter)
			}
			emptied = append(emptied, filter)
		}
	}
	return emptied
}

// Match returns the local subscribers for a topic, de-duplicated by session
// within each share group. A session matching through several non-shared
// filters is returned once with the highest-QoS subscription among them;
// shared subscriptions dedupe separately per group, since group delivery is
// its own channel.
func (l *Local) Match(topic string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type dedupeKey struct {
		sessionID string
		group     string
	}
	best := make(map[dedupeKey]topics.Options)
	collect := func(filter string) {
		for sessionID, opts := range l.subs[filter] {
			k := dedupeKey{sessionID, opts.ShareGroup}
			cur, ok := best[k]
			if !ok || opts.QoS > cur.QoS {
				best[k] = opts
			}
		}
	}

	collect(topic)
	if !l.trie.Empty() {
		for _, filter := range l.trie.Match(topic) {
			collect(filter)
		}
	}

	out := make([]Entry, 0, len(best))
	for k, opts := range best {
		out = append(out, Entry{SessionID: k.sessionID, Options: opts})
	}
	return out
}

// Subscribers returns the subscriber set for an exact filter.
func (l *Local) Subscribers(filter string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.subs[filter]
	out := make([]Entry, 0, len(set))
	for sessionID, opts := range set {
		out = append(out, Entry{SessionID: sessionID, Options: opts})
	}
	return out
}

// Filters returns every filter with at least one local subscriber.
func (l *Local) Filters() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.subs))
	for f := range l.subs {
		out = append(out, f)
	}
	return out
}

// Count returns the number of distinct filters.
func (l *Local) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}
