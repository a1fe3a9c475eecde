// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/qbridge/cache"
	"github.com/absmach/qbridge/types"
)

// How long an idle puller sleeps between checks when there are no attached
// cursors or the queue came back empty.
const idleInterval = 250 * time.Millisecond

// Puller is the per-queue loop that moves messages from the backend into
// the cache. It is the sole writer into its queue's bucket; poison messages
// are routed to the failure handler, fully consumed messages are completed
// against the backend, and held leases are renewed while consumers are
// slow.
type Puller struct {
	queue    types.QueueID
	receiver *Receiver
	bucket   *cache.Bucket
	failure  FailureHandler
	cfg      types.AdapterConfig
	limiter  *rate.Limiter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPuller creates a puller for one queue.
func NewPuller(a *Adapter, c *cache.Cache, failure FailureHandler, queue types.QueueID) *Puller {
	if failure == nil {
		failure = NewLogHandler(a.logger)
	}

	var limiter *rate.Limiter
	if a.cfg.PullRate > 0 {
		burst := a.cfg.PullBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(a.cfg.PullRate), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Puller{
		queue:    queue,
		receiver: a.CreateReceiver(queue),
		bucket:   c.Bucket(queue),
		failure:  failure,
		cfg:      a.cfg,
		limiter:  limiter,
		logger:   a.logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the pull, renewal, and completion loops.
func (p *Puller) Start() {
	p.wg.Add(3)
	go p.run()
	go p.renewLoop()
	go p.completeLoop()
}

// Stop signals the loops to exit and waits for them. Messages still leased
// are left to expire naturally.
func (p *Puller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Puller) run() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		// Pulling with nobody attached would delete messages no
		// consumer ever saw; idle until a cursor shows up.
		if p.bucket.CursorCount() == 0 {
			if !p.sleep(idleInterval) {
				return
			}
			continue
		}

		room, err := p.bucket.WaitRoom(p.ctx)
		if err != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
		}

		batch := p.cfg.BatchSize
		if batch > room {
			batch = room
		}

		msgs, err := p.receiver.Pull(p.ctx, batch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("pull failed, backing off",
				slog.String("queue", string(p.queue)),
				slog.String("error", err.Error()))
			if !p.sleep(p.cfg.Retry.MaxBackoff) {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			if !p.sleep(idleInterval) {
				return
			}
			continue
		}

		for _, msg := range msgs {
			if msg.DequeueCount > p.cfg.MaxDequeueCount {
				p.handlePoison(msg)
				continue
			}
			if err := p.bucket.Put(p.ctx, msg); err != nil {
				return
			}
			atomic.AddUint64(&p.receiver.adapter.metrics.Ingested, 1)
		}
	}
}

// renewLoop keeps held leases alive while buffered messages wait for slow
// consumers.
func (p *Puller) renewLoop() {
	defer p.wg.Done()

	interval := p.cfg.VisibilityTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.receiver.RenewDue(p.ctx, p.cfg.VisibilityTimeout/2)
		}
	}
}

// completeLoop deletes messages once every attached cursor has
// acknowledged them.
func (p *Puller) completeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.bucket.Consumed():
			for _, msg := range p.bucket.DrainConsumed() {
				if err := p.receiver.Complete(p.ctx, msg); err != nil {
					p.logger.Debug("completion failed",
						slog.String("queue", string(p.queue)),
						slog.String("token", string(msg.Token)),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// handlePoison routes an over-threshold message to the failure handler and
// deletes it unconditionally. Handler panics and errors are swallowed so
// the loop survives any policy implementation.
func (p *Puller) handlePoison(msg *types.Message) {
	metrics := p.receiver.adapter.metrics
	atomic.AddUint64(&metrics.Poisoned, 1)

	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddUint64(&metrics.HandlerErrors, 1)
				p.logger.Error("failure handler panicked",
					slog.String("queue", string(p.queue)),
					slog.Any("panic", r))
			}
		}()
		if err := p.failure.OnDeliveryFailure(p.ctx, p.queue, msg); err != nil {
			atomic.AddUint64(&metrics.HandlerErrors, 1)
			p.logger.Error("failure handler error",
				slog.String("queue", string(p.queue)),
				slog.String("token", string(msg.Token)),
				slog.String("error", err.Error()))
		}
	}()

	if err := p.receiver.Complete(p.ctx, msg); err != nil {
		p.logger.Warn("failed to delete poison message",
			slog.String("queue", string(p.queue)),
			slog.String("token", string(msg.Token)),
			slog.String("error", err.Error()))
	}
}

// sleep waits for the duration or until the puller is stopped. Returns
// false when stopped.
func (p *Puller) sleep(d time.Duration) bool {
	select {
	case <-p.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
