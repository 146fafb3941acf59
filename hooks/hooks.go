// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hooks implements the ordered callback chains invoked at broker
// lifecycle points. Callbacks run in priority order and fold an accumulator
// through the chain; any callback may short-circuit the rest.
package hooks

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/fluxroute/topics"
)

// Hookpoints used by the broker.
const (
	ClientConnect       = "client.connect"
	ClientAuthenticate  = "client.authenticate"
	ClientCheckACL      = "client.check_acl"
	MessagePublish      = "message.publish"
	MessageDelivered    = "message.delivered"
	MessageDropped      = "message.dropped"
	SessionSubscribed   = "session.subscribed"
	SessionUnsubscribed = "session.unsubscribed"
	SessionTerminated   = "session.terminated"
)

// Action tells the chain how to proceed after a callback.
type Action int

const (
	// ActionOK continues with the accumulator unchanged.
	ActionOK Action = iota
	// ActionUpdate continues with the returned accumulator.
	ActionUpdate
	// ActionStop short-circuits the chain with the returned accumulator.
	ActionStop
)

// Result is a callback's verdict.
type Result struct {
	Action Action
	Value  any
}

// OK continues the chain without touching the accumulator.
func OK() Result { return Result{Action: ActionOK} }

// Update continues the chain with a new accumulator.
func Update(v any) Result { return Result{Action: ActionUpdate, Value: v} }

// Stop short-circuits the chain with a final accumulator.
func Stop(v any) Result { return Result{Action: ActionStop, Value: v} }

// Callback observes or mutates the fold accumulator at a hookpoint.
// The topic argument is the concrete topic of the event, empty when the
// hookpoint has no topic.
type Callback func(topic string, acc any) Result

type registration struct {
	name     string
	filter   string
	priority int
	seq      int
	fn       Callback
}

// Chain is a registry of callbacks keyed by hookpoint.
type Chain struct {
	mu     sync.RWMutex
	seq    int
	chains map[string][]registration
	logger *slog.Logger
}

// NewChain creates an empty hook chain registry.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		chains: make(map[string][]registration),
		logger: logger,
	}
}

// Register adds a callback at a hookpoint. Lower priorities run earlier;
// registrations with equal priority run in registration order. A non-empty
// filter restricts the callback to events whose topic matches it.
func (c *Chain) Register(hookpoint, name string, filter string, priority int, fn Callback) error {
	if fn == nil {
		return fmt.Errorf("hook %s/%s: nil callback", hookpoint, name)
	}
	if filter != "" {
		if err := topics.ValidateFilter(filter); err != nil {
			return fmt.Errorf("hook %s/%s: %w", hookpoint, name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	regs := append(c.chains[hookpoint], registration{
		name:     name,
		filter:   filter,
		priority: priority,
		seq:      c.seq,
		fn:       fn,
	})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	c.chains[hookpoint] = regs
	return nil
}

// Unregister removes a named callback from a hookpoint.
func (c *Chain) Unregister(hookpoint, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.chains[hookpoint]
	kept := regs[:0]
	for _, r := range regs {
		if r.name != name {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(c.chains, hookpoint)
		return
	}
	c.chains[hookpoint] = kept
}

// Run folds the accumulator through the chain at a hookpoint and returns the
// final value. A callback panic is isolated to that callback and logged. At
// the authorization hookpoints (ClientAuthenticate, ClientCheckACL) the chain
// then fails closed and returns false; elsewhere it continues, so a
// misbehaving plugin cannot take down the packet path.
func (c *Chain) Run(hookpoint, topic string, acc any) any {
	c.mu.RLock()
	regs := c.chains[hookpoint]
	c.mu.RUnlock()

	for _, r := range regs {
		if r.filter != "" && !topics.Match(topic, r.filter) {
			continue
		}
		res, ok := c.invoke(hookpoint, r, topic, acc)
		if !ok {
			if hookpoint == ClientAuthenticate || hookpoint == ClientCheckACL {
				return false
			}
			continue
		}
		switch res.Action {
		case ActionUpdate:
			acc = res.Value
		case ActionStop:
			return res.Value
		}
	}
	return acc
}

func (c *Chain) invoke(hookpoint string, r registration, topic string, acc any) (res Result, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("hook callback panicked",
				slog.String("hookpoint", hookpoint),
				slog.String("hook", r.name),
				slog.Any("panic", rec))
			ok = false
		}
	}()
	return r.fn(topic, acc), true
}
