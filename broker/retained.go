// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"log/slog"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
	"github.com/absmach/fluxroute/storage"
	"github.com/absmach/fluxroute/topics"
)

// deliverRetained sends the retained messages matching a fresh subscription,
// honoring the retain handling option. Exact filters use a direct lookup;
// wildcard filters walk the retained set.
func (b *Broker) deliverRetained(sess *session.Session, filter string, opts topics.Options, existed bool) {
	switch opts.RetainHandling {
	case topics.RetainDoNotSend:
		return
	case topics.RetainSendIfNew:
		if existed {
			return
		}
	}

	if !topics.IsWildcard(filter) {
		msg, err := b.store.Retained().Get(filter)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				b.logger.Warn("retained lookup failed",
					slog.String("topic", filter), slog.Any("error", err))
			}
			return
		}
		b.sendRetained(sess, opts, msg)
		return
	}

	err := b.store.Retained().Walk(func(msg core.Message) bool {
		if topics.Match(msg.Topic, filter) {
			b.sendRetained(sess, opts, msg)
		}
		return true
	})
	if err != nil {
		b.logger.Warn("retained walk failed",
			slog.String("filter", filter), slog.Any("error", err))
	}
}

func (b *Broker) sendRetained(sess *session.Session, opts topics.Options, msg core.Message) {
	out := msg
	// Retained delivery on subscribe always carries the retain flag.
	out.Retain = true
	if out.QoS > opts.QoS {
		out.QoS = opts.QoS
	}
	if err := sess.Enqueue(out); err != nil {
		b.metrics.Dropped("retained_enqueue")
	}
}
