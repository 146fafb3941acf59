// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrPoolClosed is returned when submitting to a stopped pool.
var ErrPoolClosed = errors.New("router: worker pool closed")

// Pool is a fixed set of workers that serialize route mutations per filter:
// requests for the same key always land on the same worker and run in
// submission order. Different keys may interleave freely.
type Pool struct {
	workers []chan task
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type task struct {
	fn   func()
	done chan struct{}
}

// NewPool starts size workers.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{workers: make([]chan task, size)}
	for i := range p.workers {
		ch := make(chan task, 128)
		p.workers[i] = ch
		p.wg.Add(1)
		go p.run(ch)
	}
	return p
}

func (p *Pool) run(ch chan task) {
	defer p.wg.Done()
	for t := range ch {
		t.fn()
		if t.done != nil {
			close(t.done)
		}
	}
}

func (p *Pool) shard(key string) chan task {
	return p.workers[xxhash.Sum64String(key)%uint64(len(p.workers))]
}

// Submit queues fn on the worker owning key and returns without waiting.
func (p *Pool) Submit(key string, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.shard(key) <- task{fn: fn}
	return nil
}

// SubmitWait queues fn on the worker owning key and waits for it to finish
// or for ctx to end. fn runs to completion either way.
func (p *Pool) SubmitWait(ctx context.Context, key string, fn func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	done := make(chan struct{})
	p.shard(key) <- task{fn: fn, done: done}
	p.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after draining their queues.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, ch := range p.workers {
		close(ch)
	}
	p.wg.Wait()
}
