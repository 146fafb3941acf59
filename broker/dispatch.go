// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/fluxroute/acl"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/hooks"
	"github.com/absmach/fluxroute/router"
	"github.com/absmach/fluxroute/session"
	"github.com/absmach/fluxroute/topics"
)

// Publish runs the full publish path for a message arriving from a local
// client: rate limit, authorization, the message.publish hook fold, retained
// storage, and routing to local sessions and peer nodes.
func (b *Broker) Publish(ctx context.Context, msg core.Message) error {
	b.metrics.PublishReceived()

	if err := topics.ValidateTopic(msg.Topic); err != nil {
		return err
	}
	if sess := b.Session(msg.From); sess != nil && !sess.AllowPublish() {
		b.metrics.Dropped("rate_limited")
		return ErrRateLimited
	}
	if !b.auth.Authorize(acl.ActionPublish, msg.From, msg.Topic) {
		return ErrNotAuthorized
	}

	// The hook fold may rewrite the message or drop it.
	switch v := b.chain.Run(hooks.MessagePublish, msg.Topic, msg).(type) {
	case core.Message:
		msg = v
	case nil:
		b.metrics.Dropped("hook")
		b.chain.Run(hooks.MessageDropped, msg.Topic, msg)
		return ErrDropped
	}

	if msg.Retain {
		if err := b.storeRetained(msg); err != nil {
			return err
		}
	}

	return b.Route(ctx, msg)
}

// PublishSys publishes a broker-originated message; it skips authorization
// and rate limiting but follows the same routing path.
func (b *Broker) PublishSys(ctx context.Context, topic string, payload []byte) error {
	msg := core.NewSysMessage(topic, payload)
	if err := b.storeRetained(msg); err != nil {
		return err
	}
	return b.Route(ctx, msg)
}

func (b *Broker) storeRetained(msg core.Message) error {
	if len(msg.Payload) == 0 {
		return b.store.Retained().Delete(msg.Topic)
	}
	return b.store.Retained().Set(msg)
}

// Route queries the route table and delivers: local fanout when this node is
// a destination, one forward per remote destination node. Remote forwards go
// through the per-node batcher, which coalesces bursts into batch frames.
func (b *Broker) Route(ctx context.Context, msg core.Message) error {
	destinations := b.table.Match(msg.Topic)

	var firstErr error
	for _, node := range destinations {
		if node == b.cl.NodeID() {
			b.fanoutLocal(msg)
			continue
		}
		if b.batcher == nil {
			continue
		}
		if err := b.batcher.Forward(node, msg); err != nil {
			b.logger.Warn("forward enqueue failed",
				slog.String("node", node),
				slog.String("topic", msg.Topic),
				slog.Any("error", err))
			b.metrics.Dropped("forward_failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleRemotePublish implements cluster.TransportHandler: a publish
// forwarded by a peer fans out to local sessions only.
func (b *Broker) HandleRemotePublish(ctx context.Context, msg core.Message) {
	b.fanoutLocal(msg)
}

// HandleTakeover implements cluster.TransportHandler: displace the local
// session because its client reconnected on another node.
func (b *Broker) HandleTakeover(ctx context.Context, clientID, newNode string) {
	sess := b.Session(clientID)
	if sess == nil || !sess.Connected() {
		return
	}
	b.metrics.Takeover()
	b.logger.Info("session taken over by peer",
		slog.String("client_id", clientID), slog.String("node", newNode))
	sess.Disconnect(core.CauseTakeover)
}

// fanoutLocal delivers a message to every matching local session at most
// once, honoring subscription options and picking one member per share
// group.
func (b *Broker) fanoutLocal(msg core.Message) {
	entries := b.local.Match(msg.Topic)
	if len(entries) == 0 {
		return
	}

	groups := make(map[string][]router.Entry)
	for _, e := range entries {
		if e.Options.ShareGroup == "" {
			b.deliverTo(e.SessionID, e.Options, msg)
			continue
		}
		groups[e.Options.ShareGroup] = append(groups[e.Options.ShareGroup], e)
	}

	for group, members := range groups {
		ids := make([]string, 0, len(members))
		byID := make(map[string]router.Entry, len(members))
		for _, e := range members {
			ids = append(ids, e.SessionID)
			byID[e.SessionID] = e
		}
		chosen, ok := b.shared.Pick(group, msg.From, ids)
		if !ok {
			continue
		}
		b.deliverTo(chosen, byID[chosen].Options, msg)
	}
}

// deliverTo applies per-subscription options and enqueues to one session.
func (b *Broker) deliverTo(sessionID string, opts topics.Options, msg core.Message) {
	if opts.NoLocal && sessionID == msg.From {
		return
	}

	sess := b.Session(sessionID)
	if sess == nil {
		return
	}

	out := msg
	if out.QoS > opts.QoS {
		out.QoS = opts.QoS
	}
	if !opts.RetainAsPublished {
		out.Retain = false
	}

	// Backpressure: above the watermark only acknowledged flows keep going;
	// QoS 0 messages are shed.
	if out.QoS == 0 && sess.Backpressured() {
		b.metrics.Dropped("backpressure")
		return
	}

	if err := sess.Enqueue(out); err != nil {
		switch {
		case errors.Is(err, session.ErrQueueDisconnect):
			b.logger.Warn("queue overflow, disconnecting",
				slog.String("client_id", sessionID))
			sess.Disconnect(core.CauseQueueOverflow)
		case errors.Is(err, session.ErrQueueFull):
			b.metrics.Dropped("queue_full")
		default:
			b.metrics.Dropped("enqueue_error")
		}
		return
	}
	b.metrics.Delivered(1)
	b.chain.Run(hooks.MessageDelivered, out.Topic, sessionID)
}
