// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker is the routing core's dispatch layer: it owns the session
// registry, wires subscriptions into the local index and the cluster route
// table, fans publishes out to matching sessions and peer nodes, and serves
// retained messages on subscribe.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxroute/acl"
	"github.com/absmach/fluxroute/cluster"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/hooks"
	"github.com/absmach/fluxroute/metrics"
	"github.com/absmach/fluxroute/router"
	"github.com/absmach/fluxroute/session"
	"github.com/absmach/fluxroute/storage"
	"github.com/absmach/fluxroute/topics"
)

// Broker is the routing and dispatch core of one node.
type Broker struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*session.Session

	local     *router.Local
	table     *router.Table
	pool      *router.Pool
	cl        cluster.Cluster
	transport *cluster.Transport
	batcher   *cluster.Batcher
	store     storage.Store
	shared    *sharedDispatcher
	chain     *hooks.Chain
	auth      *AuthEngine

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a broker over the given cluster and store. The transport may
// be nil for single-node deployments.
func New(cfg *config.Config, cl cluster.Cluster, store storage.Store, transport *cluster.Transport, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	chain := hooks.NewChain(logger)
	pool := router.NewPool(cfg.Routing.WorkerPoolSize)

	b := &Broker{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		sessions:  make(map[string]*session.Session),
		local:     router.NewLocal(),
		pool:      pool,
		cl:        cl,
		transport: transport,
		store:     store,
		shared:    newSharedDispatcher(cfg.Shared.Policy),
		chain:     chain,
		auth: NewAuthEngine(nil, nil, chain, cfg.ACL.Cache.MaxSize,
			cfg.ACL.Cache.TTL, m, logger),
		stopCh: make(chan struct{}),
	}
	b.table = router.NewTable(cl, pool, router.TableOptions{
		LockMode:   cfg.Routing.LockMode,
		TxnRetries: cfg.Routing.TxnRetries,
		Logger:     logger,
		Metrics:    m,
	})
	return b
}

// Hooks returns the hook chain registry.
func (b *Broker) Hooks() *hooks.Chain { return b.chain }

// Auth returns the auth engine for backend wiring.
func (b *Broker) Auth() *AuthEngine { return b.auth }

// Start joins the cluster, seeds the route table and begins the background
// loops.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.cl.Join(ctx); err != nil {
		return fmt.Errorf("cluster join: %w", err)
	}
	if err := b.table.Start(ctx); err != nil {
		return err
	}

	if b.transport != nil {
		b.batcher = cluster.NewBatcher(b.transport, cluster.BatcherOptions{
			MaxSize:  b.cfg.Cluster.ForwardBatchSize,
			MaxDelay: b.cfg.Cluster.ForwardBatchDelay,
			Logger:   b.logger,
			OnFlush: func(nodeID string, count int, err error) {
				if err != nil {
					b.metrics.Dropped("forward_failed")
					return
				}
				b.metrics.Forwarded(nodeID, int64(count))
			},
		})

		members, err := b.cl.Members(ctx)
		if err != nil {
			return fmt.Errorf("cluster members: %w", err)
		}
		for _, m := range members {
			b.transport.SetPeer(m.ID, m.Addr)
		}
		events, err := b.cl.WatchMembers(context.Background())
		if err != nil {
			return fmt.Errorf("watch members: %w", err)
		}
		b.wg.Add(1)
		go b.memberLoop(events)
	}

	b.wg.Add(1)
	go b.expiryLoop()
	return nil
}

// Close disconnects every session, leaves the cluster and stops the loops.
func (b *Broker) Close() error {
	close(b.stopCh)

	b.mu.RLock()
	sessions := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()
	for _, s := range sessions {
		s.Disconnect(core.CauseShutdown)
	}

	if b.batcher != nil {
		b.batcher.Stop()
	}
	b.table.Close()
	b.pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.cl.Leave(ctx); err != nil {
		b.logger.Warn("cluster leave failed", slog.Any("error", err))
	}
	b.wg.Wait()
	return nil
}

// memberLoop tracks membership for the peer transport and replica reaping.
func (b *Broker) memberLoop(events <-chan cluster.MemberEvent) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case cluster.MemberJoined:
				b.logger.Info("node joined", slog.String("node", ev.Member.ID))
				b.transport.SetPeer(ev.Member.ID, ev.Member.Addr)
			case cluster.MemberLeft:
				b.logger.Info("node left", slog.String("node", ev.Member.ID))
				b.transport.RemovePeer(ev.Member.ID)
				b.table.DropNode(ev.Member.ID)
			}
		}
	}
}

// ConnectRequest carries the decoded CONNECT fields the core needs.
type ConnectRequest struct {
	ClientID   string
	Username   string
	Password   string
	Protocol   string
	PeerHost   string
	CleanStart bool
	KeepAlive  time.Duration
	// Expiry overrides the configured default session expiry when non-zero.
	Expiry         time.Duration
	ReceiveMaximum uint16
	Will           *session.Will
}

// Connect runs the CONNECT flow: authenticate, displace any previous owner
// of the client ID, resume or create the session, and attach the writer.
// The returned bool is the CONNACK session_present flag.
func (b *Broker) Connect(ctx context.Context, req ConnectRequest, w session.Writer) (*session.Session, bool, error) {
	if res, ok := b.chain.Run(hooks.ClientConnect, "", true).(bool); ok && !res {
		return nil, false, ErrNotAuthorized
	}
	if !b.auth.Authenticate(req.ClientID, req.Username, req.Password) {
		return nil, false, fmt.Errorf("%w: client %s", ErrNotAuthorized, req.ClientID)
	}

	expiry := req.Expiry
	if expiry == 0 {
		expiry = b.cfg.Session.Expiry.Default
	}

	b.mu.Lock()
	existing := b.sessions[req.ClientID]
	b.mu.Unlock()

	// At most one connected session per client ID, cluster-wide: displace
	// the local owner directly and tell the peers.
	if existing != nil && existing.Connected() {
		b.metrics.Takeover()
		existing.Disconnect(core.CauseTakeover)
	}
	b.notifyPeersTakeover(ctx, req.ClientID)

	if req.CleanStart && existing != nil {
		b.destroySession(existing)
		existing = nil
	}

	var (
		sess    *session.Session
		present bool
	)
	if existing != nil && !req.CleanStart {
		sess = existing
		present = true
		sess.UpdateOptions(req.KeepAlive, expiry, req.Will)
	} else {
		sess = b.newSession(req, expiry)
		if !req.CleanStart {
			if st, err := b.store.Sessions().Get(req.ClientID); err == nil {
				sess.RestoreState(st)
				b.restoreSubscriptions(ctx, sess, st.Subscriptions)
				present = true
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, false, fmt.Errorf("restore session: %w", err)
			}
		}
		b.mu.Lock()
		b.sessions[req.ClientID] = sess
		b.mu.Unlock()
	}

	if err := sess.Connect(w); err != nil {
		return nil, false, err
	}
	b.logger.Info("client connected",
		slog.String("client_id", req.ClientID),
		slog.String("protocol", req.Protocol),
		slog.Bool("session_present", present))
	return sess, present, nil
}

func (b *Broker) newSession(req ConnectRequest, expiry time.Duration) *session.Session {
	opts := session.Options{
		CleanStart:     req.CleanStart,
		Expiry:         expiry,
		ReceiveMaximum: req.ReceiveMaximum,
		KeepAlive:      req.KeepAlive,
		Will:           req.Will,
		QueueMax:       b.cfg.Session.Queue.Max,
		QueueHighWater: b.cfg.Session.Queue.HighWatermark,
		Overflow:       overflowPolicy(b.cfg.Session.Queue.Overflow),
		RetryInterval:  b.cfg.Session.RetryInterval,
		RetryMax:       b.cfg.Session.RetryMax,
		PublishRate:    b.cfg.Session.PublishRate,
		PublishBurst:   b.cfg.Session.PublishBurst,
	}
	sess := session.New(req.ClientID, opts, b.logger)
	sess.Protocol = req.Protocol
	sess.SetOnClose(b.handleSessionClose)
	return sess
}

func overflowPolicy(name string) session.OverflowPolicy {
	switch name {
	case config.OverflowDropOldest:
		return session.DropOldest
	case config.OverflowDisconnect:
		return session.Disconnect
	default:
		return session.DropNewest
	}
}

// restoreSubscriptions re-registers a resumed session's subscriptions in the
// local index; routes already exist unless the node restarted.
func (b *Broker) restoreSubscriptions(ctx context.Context, sess *session.Session, subs map[string]topics.Options) {
	for filter, opts := range subs {
		matchFilter := filter
		if group, inner, shared := topics.ParseShared(filter); shared {
			opts.ShareGroup = group
			matchFilter = inner
		}
		if first := b.local.Subscribe(sess.ID, matchFilter, opts); first {
			if err := b.table.AddRoute(ctx, matchFilter); err != nil {
				b.logger.Warn("route restore failed",
					slog.String("filter", matchFilter), slog.Any("error", err))
			}
		}
	}
}

func (b *Broker) notifyPeersTakeover(ctx context.Context, clientID string) {
	if b.transport == nil {
		return
	}
	members, err := b.cl.Members(ctx)
	if err != nil {
		b.logger.Warn("takeover broadcast: members", slog.Any("error", err))
		return
	}
	for _, m := range members {
		if m.ID == b.cl.NodeID() {
			continue
		}
		if err := b.transport.NotifyTakeover(ctx, m.ID, clientID); err != nil {
			b.logger.Debug("takeover notify failed",
				slog.String("node", m.ID), slog.Any("error", err))
		}
	}
}

// Session returns a session by client ID.
func (b *Broker) Session(clientID string) *session.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[clientID]
}

// Subscribe registers a subscription for a connected client, creates the
// cluster route on the first local subscriber, and serves retained messages
// per the retain handling option.
func (b *Broker) Subscribe(ctx context.Context, clientID, filter string, opts topics.Options) error {
	sess := b.Session(clientID)
	if sess == nil {
		return ErrSessionNotFound
	}

	matchFilter := filter
	if group, inner, shared := topics.ParseShared(filter); shared {
		opts.ShareGroup = group
		matchFilter = inner
	}
	if err := topics.ValidateFilter(matchFilter); err != nil {
		return err
	}
	if !b.auth.Authorize(acl.ActionSubscribe, clientID, matchFilter) {
		return fmt.Errorf("%w: subscribe %s", ErrNotAuthorized, filter)
	}

	existed := sess.HasSubscription(filter)

	first := b.local.Subscribe(sess.ID, matchFilter, opts)
	if first {
		if err := b.table.AddRoute(ctx, matchFilter); err != nil {
			// Keep the invariant: no local subscription without its route.
			b.local.Unsubscribe(sess.ID, matchFilter)
			return err
		}
	}
	sess.AddSubscription(filter, opts)

	// Shared subscriptions never receive retained messages.
	if opts.ShareGroup == "" {
		b.deliverRetained(sess, matchFilter, opts, existed)
	}

	b.chain.Run(hooks.SessionSubscribed, matchFilter, clientID)
	b.logger.Debug("subscribed",
		slog.String("client_id", clientID), slog.String("filter", filter))
	return nil
}

// Unsubscribe removes a subscription, deleting the cluster route on the
// last local unsubscription.
func (b *Broker) Unsubscribe(ctx context.Context, clientID, filter string) error {
	sess := b.Session(clientID)
	if sess == nil {
		return ErrSessionNotFound
	}

	matchFilter := filter
	group, inner, shared := topics.ParseShared(filter)
	if shared {
		matchFilter = inner
	}

	if !sess.RemoveSubscription(filter) {
		return nil
	}
	found, last := b.local.Unsubscribe(sess.ID, matchFilter)
	if found && last {
		if shared {
			b.shared.Forget(group)
		}
		if err := b.table.DeleteRoute(ctx, matchFilter); err != nil {
			return err
		}
	}

	b.chain.Run(hooks.SessionUnsubscribed, matchFilter, clientID)
	return nil
}

// handleSessionClose tears a session's connection state down. Routes and
// persisted state survive for resumable sessions; clean sessions are
// destroyed immediately.
func (b *Broker) handleSessionClose(sess *session.Session, cause core.DisconnectCause) {
	b.chain.Run(hooks.SessionTerminated, "", sess.ID)
	b.logger.Info("client disconnected",
		slog.String("client_id", sess.ID),
		slog.String("cause", cause.String()))

	if will := sess.Will(); will != nil && cause.PublishesWill() {
		msg := core.NewMessage(sess.ID, will.Topic, will.Payload, will.QoS, will.Retain)
		if err := b.Route(context.Background(), msg); err != nil {
			b.logger.Warn("will publish failed",
				slog.String("client_id", sess.ID), slog.Any("error", err))
		}
	}

	switch {
	case cause == core.CauseTakeover:
		// The client ID lives on: the displacing connection owns the
		// registry entry now. Nothing to tear down.
	case sess.CleanStart || sess.Expiry == 0:
		b.destroySession(sess)
	default:
		if err := b.store.Sessions().Save(sess.StateRecord()); err != nil {
			b.logger.Warn("session persist failed",
				slog.String("client_id", sess.ID), slog.Any("error", err))
		}
	}
}

// destroySession removes a session and everything it owns: registry entry,
// local subscriptions, cluster routes, persisted state and its ACL cache.
func (b *Broker) destroySession(sess *session.Session) {
	b.mu.Lock()
	if b.sessions[sess.ID] == sess {
		delete(b.sessions, sess.ID)
	}
	b.mu.Unlock()

	if sess.Connected() {
		sess.Disconnect(core.CauseKick)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, filter := range b.local.RemoveSession(sess.ID) {
		if err := b.table.DeleteRoute(ctx, filter); err != nil {
			b.logger.Warn("route teardown failed",
				slog.String("filter", filter), slog.Any("error", err))
		}
	}

	if err := b.store.Sessions().Delete(sess.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.logger.Warn("session store delete failed",
			slog.String("client_id", sess.ID), slog.Any("error", err))
	}
	b.auth.DropCache(sess.ID)
}

// expiryLoop reaps disconnected sessions whose expiry deadline passed.
func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reapExpired()
		}
	}
}

func (b *Broker) reapExpired() {
	now := time.Now()

	b.mu.RLock()
	var expired []*session.Session
	for _, s := range b.sessions {
		if s.Connected() {
			continue
		}
		if deadline := s.ExpiryDeadline(); !deadline.IsZero() && now.After(deadline) {
			expired = append(expired, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range expired {
		b.logger.Info("session expired", slog.String("client_id", s.ID))
		b.destroySession(s)
	}

	// Stored state of sessions this node no longer holds in memory (e.g.
	// after a restart) expires too.
	ids, err := b.store.Sessions().Expired(now)
	if err != nil {
		return
	}
	for _, id := range ids {
		if b.Session(id) != nil {
			continue
		}
		if err := b.store.Sessions().Delete(id); err != nil {
			b.logger.Warn("expired session delete failed",
				slog.String("client_id", id), slog.Any("error", err))
		}
	}
}
