// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"sync"
)

var _ Cluster = (*Noop)(nil)

// Noop is a single-node Cluster. Routes live in process memory, membership
// is just this node, and the advisory lock degrades to a local mutex.
type Noop struct {
	nodeID string

	mu      sync.Mutex
	routes  map[string]int
	watched []chan RouteEvent

	lockMu sync.Mutex
}

// NewNoop creates a single-node cluster.
func NewNoop(nodeID string) *Noop {
	return &Noop{
		nodeID: nodeID,
		routes: make(map[string]int),
	}
}

// NodeID returns this node's identifier.
func (n *Noop) NodeID() string { return n.nodeID }

// Join is a no-op.
func (n *Noop) Join(ctx context.Context) error { return nil }

// Leave is a no-op.
func (n *Noop) Leave(ctx context.Context) error { return nil }

// Members returns this node.
func (n *Noop) Members(ctx context.Context) ([]Member, error) {
	return []Member{{ID: n.nodeID}}, nil
}

// WatchMembers returns a channel that closes with ctx.
func (n *Noop) WatchMembers(ctx context.Context) (<-chan MemberEvent, error) {
	ch := make(chan MemberEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// RouteAdd advertises a route for this node.
func (n *Noop) RouteAdd(ctx context.Context, filter string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[filter]++
	return n.routes[filter] == 1, nil
}

// RouteDelete withdraws a route for this node.
func (n *Noop) RouteDelete(ctx context.Context, filter string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.routes[filter]
	if !ok {
		return false, nil
	}
	if c <= 1 {
		delete(n.routes, filter)
		return true, nil
	}
	n.routes[filter] = c - 1
	return false, nil
}

// RoutesFor returns this node when it has a route for the filter.
func (n *Noop) RoutesFor(ctx context.Context, filter string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.routes[filter] > 0 {
		return []string{n.nodeID}, nil
	}
	return nil, nil
}

// Routes returns the route table.
func (n *Noop) Routes(ctx context.Context) ([]Route, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Route, 0, len(n.routes))
	for f := range n.routes {
		out = append(out, Route{Filter: f, Node: n.nodeID})
	}
	return out, nil
}

// WatchRoutes returns a channel that closes with ctx.
func (n *Noop) WatchRoutes(ctx context.Context) (<-chan RouteEvent, error) {
	ch := make(chan RouteEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// GlobalLock degrades to a process-local mutex.
func (n *Noop) GlobalLock(ctx context.Context) (func(), error) {
	n.lockMu.Lock()
	return n.lockMu.Unlock, nil
}

// Close is a no-op.
func (n *Noop) Close() error { return nil }
