// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sort"
	"time"

	"github.com/absmach/fluxroute/cluster"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/topics"
)

// ClientInfo is the admin view of a session.
type ClientInfo struct {
	ClientID      string
	Protocol      string
	State         string
	Subscriptions int
	QueueDepth    int
}

// SubscriptionInfo is the admin view of one subscription.
type SubscriptionInfo struct {
	ClientID string
	Filter   string
	Options  topics.Options
}

// Clients lists sessions known to this node.
func (b *Broker) Clients() []ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ClientInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, ClientInfo{
			ClientID:      s.ID,
			Protocol:      s.Protocol,
			State:         s.State().String(),
			Subscriptions: len(s.Subscriptions()),
			QueueDepth:    s.QueueLen(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Kick disconnects a client administratively.
func (b *Broker) Kick(clientID string) error {
	sess := b.Session(clientID)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.Disconnect(core.CauseKick)
	return nil
}

// Subscriptions lists a client's subscriptions, or every subscription when
// clientID is empty.
func (b *Broker) Subscriptions(clientID string) []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []SubscriptionInfo
	for id, s := range b.sessions {
		if clientID != "" && id != clientID {
			continue
		}
		for filter, opts := range s.Subscriptions() {
			out = append(out, SubscriptionInfo{ClientID: id, Filter: filter, Options: opts})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Filter < out[j].Filter
	})
	return out
}

// Routes lists the route table, optionally restricted to routes matching a
// concrete topic.
func (b *Broker) Routes(topic string) []cluster.Route {
	if topic == "" {
		return b.table.Routes()
	}
	var out []cluster.Route
	for _, r := range b.table.Routes() {
		if r.Filter == topic || topics.Match(topic, r.Filter) {
			out = append(out, r)
		}
	}
	return out
}

// Retained lists the retained topics.
func (b *Broker) Retained() ([]string, error) {
	var out []string
	err := b.store.Retained().Walk(func(msg core.Message) bool {
		out = append(out, msg.Topic)
		return true
	})
	sort.Strings(out)
	return out, err
}

// PurgeRetained removes a retained message administratively.
func (b *Broker) PurgeRetained(topic string) error {
	return b.store.Retained().Delete(topic)
}

// SubscribeOnBehalf creates a subscription for a client from the admin
// plane.
func (b *Broker) SubscribeOnBehalf(clientID, filter string, qos byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Subscribe(ctx, clientID, filter, topics.Options{QoS: qos})
}
