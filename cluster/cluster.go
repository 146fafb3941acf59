// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster provides distributed coordination for the routing core:
// membership, the replicated route KV with per-key transactions and leases,
// advisory locks, and the inter-node publish transport. The etcd
// implementation is the production backend; Noop serves single-node
// deployments and tests.
package cluster

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned when a single-shot KV transaction lost a race
	// and should be retried by the caller.
	ErrConflict = errors.New("cluster: transaction conflict")
	// ErrNoSuchPeer is returned when forwarding to an unknown node.
	ErrNoSuchPeer = errors.New("cluster: unknown peer")
	// ErrPeerUnavailable is returned when the peer's circuit is open.
	ErrPeerUnavailable = errors.New("cluster: peer unavailable")
)

// Member is a cluster node.
type Member struct {
	ID   string
	Addr string
}

// MemberEventType classifies membership changes.
type MemberEventType int

const (
	// MemberJoined is a node entering the cluster.
	MemberJoined MemberEventType = iota
	// MemberLeft is a node leaving, gracefully or by lease expiry.
	MemberLeft
)

// MemberEvent is a membership change notification.
type MemberEvent struct {
	Type   MemberEventType
	Member Member
}

// Route is a cluster-level record: a node advertising at least one local
// subscriber for a filter.
type Route struct {
	Filter string
	Node   string
}

// RouteEventType classifies route table changes.
type RouteEventType int

const (
	// RouteAdded is a route appearing in the replicated table.
	RouteAdded RouteEventType = iota
	// RouteRemoved is a route leaving the replicated table.
	RouteRemoved
)

// RouteEvent is a route table change notification.
type RouteEvent struct {
	Type  RouteEventType
	Route Route
}

// Cluster is the coordination contract the routing core depends on. The
// membership view is monotonic within a node and route mutations are
// single-shot transactions: a lost race returns ErrConflict and the route
// table retries with bounded backoff.
type Cluster interface {
	// NodeID returns this node's identifier.
	NodeID() string

	// Join registers this node in the membership view.
	Join(ctx context.Context) error
	// Leave deregisters this node and releases its leases.
	Leave(ctx context.Context) error
	// Members returns the current membership view.
	Members(ctx context.Context) ([]Member, error)
	// WatchMembers streams membership changes until ctx is done.
	WatchMembers(ctx context.Context) (<-chan MemberEvent, error)

	// RouteAdd advertises a route (filter, this node). It returns true when
	// the route record was created, false when it already existed.
	RouteAdd(ctx context.Context, filter string) (bool, error)
	// RouteDelete withdraws a route (filter, this node). It returns true
	// when the record was removed.
	RouteDelete(ctx context.Context, filter string) (bool, error)
	// RoutesFor returns the nodes advertising a route for the exact filter.
	RoutesFor(ctx context.Context, filter string) ([]string, error)
	// Routes returns the full route table, used to seed the local replica.
	Routes(ctx context.Context) ([]Route, error)
	// WatchRoutes streams route table changes until ctx is done.
	WatchRoutes(ctx context.Context) (<-chan RouteEvent, error)

	// GlobalLock acquires the cluster-wide advisory route lock and returns
	// its release function. Used only in the global lock mode.
	GlobalLock(ctx context.Context) (func(), error)

	Close() error
}
