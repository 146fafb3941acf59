// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics wires the routing core's counters to OpenTelemetry. With no
// meter provider configured the instruments are no-ops, and a nil *Metrics is
// safe to call, so the core can increment unconditionally.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the core's counters.
type Metrics struct {
	publishReceived   metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesDropped   metric.Int64Counter
	messagesForwarded metric.Int64Counter
	routeTxnRetries   metric.Int64Counter
	routeTxnFailures  metric.Int64Counter
	inflightResends   metric.Int64Counter
	sessionTakeovers  metric.Int64Counter
	aclCacheHits      metric.Int64Counter
	aclCacheMisses    metric.Int64Counter
}

// New creates the core instrument set on the global meter provider.
func New() *Metrics {
	meter := otel.Meter("github.com/absmach/fluxroute")

	m := &Metrics{}
	m.publishReceived, _ = meter.Int64Counter("fluxroute.publish.received")
	m.messagesDelivered, _ = meter.Int64Counter("fluxroute.messages.delivered")
	m.messagesDropped, _ = meter.Int64Counter("fluxroute.messages.dropped")
	m.messagesForwarded, _ = meter.Int64Counter("fluxroute.messages.forwarded")
	m.routeTxnRetries, _ = meter.Int64Counter("fluxroute.route.txn.retries")
	m.routeTxnFailures, _ = meter.Int64Counter("fluxroute.route.txn.failures")
	m.inflightResends, _ = meter.Int64Counter("fluxroute.inflight.resends")
	m.sessionTakeovers, _ = meter.Int64Counter("fluxroute.session.takeovers")
	m.aclCacheHits, _ = meter.Int64Counter("fluxroute.acl.cache.hits")
	m.aclCacheMisses, _ = meter.Int64Counter("fluxroute.acl.cache.misses")
	return m
}

func add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

// PublishReceived counts publishes entering the dispatch path.
func (m *Metrics) PublishReceived() {
	if m != nil {
		add(m.publishReceived, 1)
	}
}

// Delivered counts messages enqueued to sessions.
func (m *Metrics) Delivered(n int64) {
	if m != nil {
		add(m.messagesDelivered, n)
	}
}

// Dropped counts dropped messages with a reason attribute.
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		add(m.messagesDropped, 1, attribute.String("reason", reason))
	}
}

// Forwarded counts publishes forwarded to a peer node.
func (m *Metrics) Forwarded(node string, n int64) {
	if m != nil {
		add(m.messagesForwarded, n, attribute.String("node", node))
	}
}

// TxnRetry counts route table transaction retries.
func (m *Metrics) TxnRetry() {
	if m != nil {
		add(m.routeTxnRetries, 1)
	}
}

// TxnFailure counts route table transactions abandoned after retries.
func (m *Metrics) TxnFailure() {
	if m != nil {
		add(m.routeTxnFailures, 1)
	}
}

// Resend counts inflight retransmissions.
func (m *Metrics) Resend() {
	if m != nil {
		add(m.inflightResends, 1)
	}
}

// Takeover counts session displacements.
func (m *Metrics) Takeover() {
	if m != nil {
		add(m.sessionTakeovers, 1)
	}
}

// ACLCache counts a decision cache hit or miss.
func (m *Metrics) ACLCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		add(m.aclCacheHits, 1)
	} else {
		add(m.aclCacheMisses, 1)
	}
}
