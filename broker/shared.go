// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/absmach/fluxroute/config"
)

// sharedDispatcher picks one member of a share group for each publish. The
// candidate set is the group's sessions that matched this publish, sorted
// for a stable round-robin order.
type sharedDispatcher struct {
	policy string

	mu       sync.Mutex
	counters map[string]int
}

func newSharedDispatcher(policy string) *sharedDispatcher {
	if policy == "" {
		policy = config.SharedPolicyRoundRobin
	}
	return &sharedDispatcher{
		policy:   policy,
		counters: make(map[string]int),
	}
}

// Pick selects the receiving session for a group. publisher feeds the
// hash_clientid policy so one client's publishes stick to one member.
func (d *sharedDispatcher) Pick(group, publisher string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	switch d.policy {
	case config.SharedPolicyRandom:
		return sorted[rand.Intn(len(sorted))], true
	case config.SharedPolicyHashClientID:
		return sorted[xxhash.Sum64String(publisher)%uint64(len(sorted))], true
	default: // round robin
		d.mu.Lock()
		i := d.counters[group]
		d.counters[group] = i + 1
		d.mu.Unlock()
		return sorted[i%len(sorted)], true
	}
}

// Forget drops round-robin state for a group with no more subscribers.
func (d *sharedDispatcher) Forget(group string) {
	d.mu.Lock()
	delete(d.counters, group)
	d.mu.Unlock()
}
