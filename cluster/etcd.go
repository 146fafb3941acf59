// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	nodesPrefix  = "/fluxroute/nodes/"
	routesPrefix = "/fluxroute/routes/"
	routeLockKey = "/fluxroute/locks/routes"

	// routeKeySep terminates the filter inside a route key. NUL cannot
	// appear in a validated filter, so parsing is unambiguous.
	routeKeySep = "\x00"
)

var _ Cluster = (*Etcd)(nil)

// Etcd implements Cluster on an etcd keyspace. Route records are keyed
// /fluxroute/routes/<filter>\x00<node> with a reference count value and are
// attached to the node's lease, so a dead node's routes are reaped by etcd
// within the lease TTL.
type Etcd struct {
	nodeID string
	addr   string
	client *clientv3.Client
	logger *slog.Logger

	ttl     time.Duration
	leaseID clientv3.LeaseID
	session *concurrency.Session
	cancel  context.CancelFunc
}

// EtcdConfig configures the etcd coordination backend.
type EtcdConfig struct {
	// NodeID is this node's cluster-unique identifier.
	NodeID string
	// Addr is the peer transport address advertised to other nodes.
	Addr string
	// Endpoints are the etcd endpoints to dial.
	Endpoints []string
	// HeartbeatTTL is the lease TTL backing membership and route records.
	HeartbeatTTL time.Duration
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration
}

// NewEtcd connects to etcd and prepares the node lease.
func NewEtcd(cfg EtcdConfig, logger *slog.Logger) (*Etcd, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 10 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}

	return &Etcd{
		nodeID: cfg.NodeID,
		addr:   cfg.Addr,
		client: cli,
		logger: logger,
		ttl:    cfg.HeartbeatTTL,
	}, nil
}

// NodeID returns this node's identifier.
func (e *Etcd) NodeID() string { return e.nodeID }

// Join grants the node lease, starts its keepalive and registers the node.
func (e *Etcd) Join(ctx context.Context) error {
	grant, err := e.client.Grant(ctx, int64(e.ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("lease grant: %w", err)
	}
	e.leaseID = grant.ID

	kaCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	ka, err := e.client.KeepAlive(kaCtx, e.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("lease keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
		e.logger.Warn("node lease keepalive channel closed", slog.String("node", e.nodeID))
	}()

	sess, err := concurrency.NewSession(e.client, concurrency.WithLease(e.leaseID))
	if err != nil {
		cancel()
		return fmt.Errorf("concurrency session: %w", err)
	}
	e.session = sess

	_, err = e.client.Put(ctx, nodesPrefix+e.nodeID, e.addr, clientv3.WithLease(e.leaseID))
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// Leave revokes the node lease, which drops the membership record and every
// route this node advertised.
func (e *Etcd) Leave(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.leaseID != 0 {
		if _, err := e.client.Revoke(ctx, e.leaseID); err != nil {
			return fmt.Errorf("lease revoke: %w", err)
		}
		e.leaseID = 0
	}
	return nil
}

// Members returns the current membership view.
func (e *Etcd) Members(ctx context.Context) ([]Member, error) {
	resp, err := e.client.Get(ctx, nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, Member{
			ID:   strings.TrimPrefix(string(kv.Key), nodesPrefix),
			Addr: string(kv.Value),
		})
	}
	return members, nil
}

// WatchMembers streams membership changes until ctx is done.
func (e *Etcd) WatchMembers(ctx context.Context) (<-chan MemberEvent, error) {
	out := make(chan MemberEvent)
	wch := e.client.Watch(ctx, nodesPrefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for wresp := range wch {
			for _, ev := range wresp.Events {
				id := strings.TrimPrefix(string(ev.Kv.Key), nodesPrefix)
				switch ev.Type {
				case clientv3.EventTypePut:
					out <- MemberEvent{Type: MemberJoined, Member: Member{ID: id, Addr: string(ev.Kv.Value)}}
				case clientv3.EventTypeDelete:
					out <- MemberEvent{Type: MemberLeft, Member: Member{ID: id}}
				}
			}
		}
	}()
	return out, nil
}

func routeKey(filter, node string) string {
	return routesPrefix + filter + routeKeySep + node
}

func parseRouteKey(key string) (Route, bool) {
	rest := strings.TrimPrefix(key, routesPrefix)
	if rest == key {
		return Route{}, false
	}
	i := strings.LastIndex(rest, routeKeySep)
	if i < 0 {
		return Route{}, false
	}
	return Route{Filter: rest[:i], Node: rest[i+len(routeKeySep):]}, true
}

// RouteAdd advertises (filter, this node) with a single compare-and-swap
// transaction. A lost race returns ErrConflict for the caller to retry.
func (e *Etcd) RouteAdd(ctx context.Context, filter string) (bool, error) {
	key := routeKey(filter, e.nodeID)

	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return false, err
	}

	if len(resp.Kvs) == 0 {
		txn, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, "1", clientv3.WithLease(e.leaseID))).
			Commit()
		if err != nil {
			return false, err
		}
		if !txn.Succeeded {
			return false, ErrConflict
		}
		return true, nil
	}

	kv := resp.Kvs[0]
	count, err := strconv.Atoi(string(kv.Value))
	if err != nil {
		return false, fmt.Errorf("route %s: bad count %q", filter, kv.Value)
	}
	txn, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpPut(key, strconv.Itoa(count+1), clientv3.WithLease(e.leaseID))).
		Commit()
	if err != nil {
		return false, err
	}
	if !txn.Succeeded {
		return false, ErrConflict
	}
	return false, nil
}

// RouteDelete withdraws (filter, this node) with a single compare-and-swap
// transaction. A lost race returns ErrConflict.
func (e *Etcd) RouteDelete(ctx context.Context, filter string) (bool, error) {
	key := routeKey(filter, e.nodeID)

	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}

	kv := resp.Kvs[0]
	count, err := strconv.Atoi(string(kv.Value))
	if err != nil {
		return false, fmt.Errorf("route %s: bad count %q", filter, kv.Value)
	}

	cmp := clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
	var op clientv3.Op
	removed := false
	if count <= 1 {
		op = clientv3.OpDelete(key)
		removed = true
	} else {
		op = clientv3.OpPut(key, strconv.Itoa(count-1), clientv3.WithLease(e.leaseID))
	}

	txn, err := e.client.Txn(ctx).If(cmp).Then(op).Commit()
	if err != nil {
		return false, err
	}
	if !txn.Succeeded {
		return false, ErrConflict
	}
	return removed, nil
}

// RoutesFor returns the nodes advertising a route for the exact filter.
func (e *Etcd) RoutesFor(ctx context.Context, filter string) ([]string, error) {
	resp, err := e.client.Get(ctx, routesPrefix+filter+routeKeySep, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if r, ok := parseRouteKey(string(kv.Key)); ok {
			nodes = append(nodes, r.Node)
		}
	}
	return nodes, nil
}

// Routes returns the full route table.
func (e *Etcd) Routes(ctx context.Context) ([]Route, error) {
	resp, err := e.client.Get(ctx, routesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	routes := make([]Route, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if r, ok := parseRouteKey(string(kv.Key)); ok {
			routes = append(routes, r)
		}
	}
	return routes, nil
}

// WatchRoutes streams route table changes until ctx is done. Lease-expired
// route keys surface as RouteRemoved, which is how survivors reap a dead
// node's routes.
func (e *Etcd) WatchRoutes(ctx context.Context) (<-chan RouteEvent, error) {
	out := make(chan RouteEvent)
	wch := e.client.Watch(ctx, routesPrefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for wresp := range wch {
			for _, ev := range wresp.Events {
				r, ok := parseRouteKey(string(ev.Kv.Key))
				if !ok {
					continue
				}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					out <- RouteEvent{Type: RouteRemoved, Route: r}
				case ev.IsCreate():
					out <- RouteEvent{Type: RouteAdded, Route: r}
					// Count updates on an existing key change nothing in
					// the replicas.
				}
			}
		}
	}()
	return out, nil
}

// GlobalLock takes the cluster-wide advisory route lock.
func (e *Etcd) GlobalLock(ctx context.Context) (func(), error) {
	if e.session == nil {
		return nil, fmt.Errorf("global lock: not joined")
	}
	mu := concurrency.NewMutex(e.session, routeLockKey)
	if err := mu.Lock(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := mu.Unlock(context.Background()); err != nil {
			e.logger.Error("global route lock unlock failed", slog.Any("error", err))
		}
	}, nil
}

// Close closes the etcd client.
func (e *Etcd) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.session != nil {
		e.session.Close()
	}
	return e.client.Close()
}
