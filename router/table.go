// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/absmach/fluxroute/cluster"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/metrics"
	"github.com/absmach/fluxroute/topics"
)

// ErrRouteUnavailable is returned when a route mutation kept losing KV
// transactions past the retry budget.
var ErrRouteUnavailable = errors.New("router: route unavailable")

// Table is the cluster route table: a replicated bag of (filter, node)
// records answering "which nodes have subscribers for this topic". Each node
// keeps a full replica fed by the KV watch; mutations go through the worker
// pool so that updates to one filter are serialized, and through the
// configured lock mode for wildcard filters.
type Table struct {
	node    string
	cl      cluster.Cluster
	pool    *Pool
	logger  *slog.Logger
	metrics *metrics.Metrics

	lockMode string
	retries  int

	// tabMu is the table-scoped lock of the tab mode.
	tabMu sync.Mutex

	mu     sync.RWMutex
	routes map[string]map[string]struct{}
	trie   *topics.Trie

	cancel context.CancelFunc
}

// TableOptions configures the route table.
type TableOptions struct {
	// LockMode is one of the config.LockMode values.
	LockMode string
	// TxnRetries bounds transaction retries before ErrRouteUnavailable.
	TxnRetries int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// NewTable creates a route table over the given cluster.
func NewTable(cl cluster.Cluster, pool *Pool, opts TableOptions) *Table {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TxnRetries <= 0 {
		opts.TxnRetries = 5
	}
	if opts.LockMode == "" {
		opts.LockMode = config.LockModeKey
	}
	return &Table{
		node:     cl.NodeID(),
		cl:       cl,
		pool:     pool,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		lockMode: opts.LockMode,
		retries:  opts.TxnRetries,
		routes:   make(map[string]map[string]struct{}),
		trie:     topics.NewTrie(),
	}
}

// Start seeds the replica from the KV and begins applying watch events.
func (t *Table) Start(ctx context.Context) error {
	routes, err := t.cl.Routes(ctx)
	if err != nil {
		return fmt.Errorf("seed route table: %w", err)
	}
	for _, r := range routes {
		t.applyAdd(r.Filter, r.Node)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	events, err := t.cl.WatchRoutes(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch route table: %w", err)
	}

	go func() {
		for ev := range events {
			if ev.Route.Node == t.node {
				// Own mutations were applied synchronously.
				continue
			}
			ev := ev
			t.pool.Submit(ev.Route.Filter, func() {
				switch ev.Type {
				case cluster.RouteAdded:
					t.applyAdd(ev.Route.Filter, ev.Route.Node)
				case cluster.RouteRemoved:
					t.applyRemove(ev.Route.Filter, ev.Route.Node)
				}
			})
		}
	}()
	return nil
}

// Close stops the watch.
func (t *Table) Close() {
	if t.cancel != nil {
		t.cancel()
	}
}

// AddRoute advertises (filter, this node). Called on the first local
// subscription to the filter.
func (t *Table) AddRoute(ctx context.Context, filter string) error {
	return t.mutate(ctx, filter, func(mctx context.Context) error {
		_, err := t.transact(mctx, filter, func() (bool, error) {
			return t.cl.RouteAdd(mctx, filter)
		})
		if err != nil {
			return err
		}
		t.applyAdd(filter, t.node)
		return nil
	})
}

// DeleteRoute withdraws (filter, this node). Called on the last local
// unsubscription. The delete is transactional in every lock mode.
func (t *Table) DeleteRoute(ctx context.Context, filter string) error {
	return t.mutate(ctx, filter, func(mctx context.Context) error {
		removed, err := t.transact(mctx, filter, func() (bool, error) {
			return t.cl.RouteDelete(mctx, filter)
		})
		if err != nil {
			return err
		}
		if removed {
			t.applyRemove(filter, t.node)
		}
		return nil
	})
}

// mutate runs fn on the filter's worker under the configured lock mode.
func (t *Table) mutate(ctx context.Context, filter string, fn func(context.Context) error) error {
	var out error
	err := t.pool.SubmitWait(ctx, filter, func() {
		wild := topics.IsWildcard(filter)
		switch {
		case wild && t.lockMode == config.LockModeGlobal:
			unlock, err := t.cl.GlobalLock(ctx)
			if err != nil {
				out = fmt.Errorf("global route lock: %w", err)
				return
			}
			defer unlock()
		case wild && t.lockMode == config.LockModeTab:
			t.tabMu.Lock()
			defer t.tabMu.Unlock()
		}
		out = fn(ctx)
	})
	if err != nil {
		return err
	}
	return out
}

// transact retries a single-shot KV transaction with jittered backoff.
func (t *Table) transact(ctx context.Context, filter string, op func() (bool, error)) (bool, error) {
	b := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Jitter: true,
	}
	for attempt := 0; ; attempt++ {
		res, err := op()
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, cluster.ErrConflict) {
			return false, err
		}
		if attempt >= t.retries {
			t.metrics.TxnFailure()
			t.logger.Warn("route transaction abandoned",
				slog.String("filter", filter),
				slog.Int("attempts", attempt+1))
			return false, fmt.Errorf("%w: %s", ErrRouteUnavailable, filter)
		}
		t.metrics.TxnRetry()
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (t *Table) applyAdd(filter, node string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.routes[filter]
	if !ok {
		set = make(map[string]struct{})
		t.routes[filter] = set
		if topics.IsWildcard(filter) {
			t.trie.Insert(filter)
		}
	}
	set[node] = struct{}{}
}

func (t *Table) applyRemove(filter, node string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.routes[filter]
	if !ok {
		return
	}
	delete(set, node)
	if len(set) == 0 {
		delete(t.routes, filter)
		if topics.IsWildcard(filter) {
			t.trie.Delete(filter)
		}
	}
}

// DropNode removes every route of a dead node from the replica. The KV side
// is reaped by the node's expiring lease; this keeps the replica from
// waiting on the watch.
func (t *Table) DropNode(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for filter, set := range t.routes {
		if _, ok := set[node]; !ok {
			continue
		}
		delete(set, node)
		if len(set) == 0 {
			delete(t.routes, filter)
			if topics.IsWildcard(filter) {
				t.trie.Delete(filter)
			}
		}
	}
}

// Lookup returns the nodes advertising the exact filter.
func (t *Table) Lookup(filter string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.routes[filter]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// Match returns the destination nodes for a topic: the union of the exact
// route and every wildcard route matching it, de-duplicated.
func (t *Table) Match(topic string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{})
	for n := range t.routes[topic] {
		seen[n] = struct{}{}
	}
	if !t.trie.Empty() {
		for _, filter := range t.trie.Match(topic) {
			for n := range t.routes[filter] {
				seen[n] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out
}

// Routes returns a snapshot of the replica, for the admin surface.
func (t *Table) Routes() []cluster.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []cluster.Route
	for filter, set := range t.routes {
		for n := range set {
			out = append(out, cluster.Route{Filter: filter, Node: n})
		}
	}
	return out
}
