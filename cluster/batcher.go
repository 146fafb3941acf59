// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxroute/core"
)

// ErrBatcherStopped is returned when forwarding through a stopped batcher.
var ErrBatcherStopped = errors.New("cluster: batcher stopped")

// ErrBatcherFull is returned when a node's forward queue is saturated.
var ErrBatcherFull = errors.New("cluster: forward queue full")

const (
	defaultBatchSize  = 64
	defaultBatchDelay = 5 * time.Millisecond
	batchQueueCap     = 4096
	batchFlushTimeout = 30 * time.Second
)

// Batcher coalesces forwarded publishes per destination node and flushes on
// max size or max delay. One worker per node keeps forwards to a peer in
// enqueue order, so the per-publisher ordering guarantee survives batching.
type Batcher struct {
	transport *Transport
	maxSize   int
	maxDelay  time.Duration
	logger    *slog.Logger
	// onFlush observes every flush attempt, for the dispatch metrics.
	onFlush func(nodeID string, count int, err error)

	mu      sync.Mutex
	workers map[string]chan core.Message

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	MaxSize  int
	MaxDelay time.Duration
	Logger   *slog.Logger
	OnFlush  func(nodeID string, count int, err error)
}

// NewBatcher creates a batcher over the transport.
func NewBatcher(t *Transport, opts BatcherOptions) *Batcher {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultBatchSize
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultBatchDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Batcher{
		transport: t,
		maxSize:   opts.MaxSize,
		maxDelay:  opts.MaxDelay,
		logger:    opts.Logger,
		onFlush:   opts.OnFlush,
		workers:   make(map[string]chan core.Message),
		stopCh:    make(chan struct{}),
	}
}

// Forward queues a publish toward a peer node. It returns without waiting
// for the flush; delivery failures surface through OnFlush and the peer's
// circuit breaker.
func (b *Batcher) Forward(nodeID string, msg core.Message) error {
	select {
	case <-b.stopCh:
		return ErrBatcherStopped
	default:
	}

	select {
	case b.worker(nodeID) <- msg:
		return nil
	default:
		return ErrBatcherFull
	}
}

func (b *Batcher) worker(nodeID string) chan core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.workers[nodeID]; ok {
		return ch
	}
	ch := make(chan core.Message, batchQueueCap)
	b.workers[nodeID] = ch
	b.wg.Add(1)
	go b.runWorker(nodeID, ch)
	return ch
}

func (b *Batcher) runWorker(nodeID string, ch <-chan core.Message) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case first := <-ch:
			batch := []core.Message{first}

			timer := time.NewTimer(b.maxDelay)
			collecting := true
			for collecting && len(batch) < b.maxSize {
				select {
				case <-b.stopCh:
					timer.Stop()
					b.flush(nodeID, batch)
					return
				case <-timer.C:
					collecting = false
				case msg := <-ch:
					batch = append(batch, msg)
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

			b.flush(nodeID, batch)
		}
	}
}

func (b *Batcher) flush(nodeID string, batch []core.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), batchFlushTimeout)
	defer cancel()

	var err error
	if len(batch) == 1 {
		err = b.transport.ForwardPublish(ctx, nodeID, batch[0])
	} else {
		err = b.transport.ForwardBatch(ctx, nodeID, batch)
	}
	if err != nil {
		b.logger.Warn("forward flush failed",
			slog.String("node", nodeID),
			slog.Int("size", len(batch)),
			slog.Any("error", err))
	}
	if b.onFlush != nil {
		b.onFlush(nodeID, len(batch), err)
	}
}

// Stop stops accepting forwards, lets in-progress batches flush, and waits
// for the workers to exit.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}
