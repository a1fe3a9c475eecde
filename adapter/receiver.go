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

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/types"
)

type lease struct {
	msg       *types.Message
	expiresAt time.Time
}

// Receiver pulls leased messages from exactly one queue. It tracks the
// active leases it holds so they can be renewed while consumption is slow
// and deleted once consumption finishes; it keeps no other message state.
type Receiver struct {
	adapter *Adapter
	queue   types.QueueID

	mu     sync.Mutex
	leases map[types.SequenceToken]*lease
}

func newReceiver(a *Adapter, queue types.QueueID) *Receiver {
	return &Receiver{
		adapter: a,
		queue:   queue,
		leases:  make(map[types.SequenceToken]*lease),
	}
}

// Queue returns the queue this receiver is bound to.
func (r *Receiver) Queue() types.QueueID {
	return r.queue
}

// Pull dequeues up to max messages under the configured visibility timeout,
// decoding envelopes and recording leases. Bodies that do not decode are
// deleted and skipped: redelivering them can never succeed.
//
// A cancelled Pull leaves already-leased messages to expire naturally; this
// is an accepted at-least-once trade-off.
func (r *Receiver) Pull(ctx context.Context, max int) ([]*types.Message, error) {
	a := r.adapter
	visibility := a.cfg.VisibilityTimeout

	var deliveries []backend.Delivery
	err := a.do(ctx, "dequeue", func() error {
		var err error
		deliveries, err = a.client.Dequeue(ctx, r.queue, max, visibility)
		return err
	})
	if err != nil {
		atomic.AddUint64(&a.metrics.PullErrors, 1)
		return nil, err
	}

	now := time.Now()
	msgs := make([]*types.Message, 0, len(deliveries))
	for _, d := range deliveries {
		stream, payload, derr := types.DecodeEnvelope(d.Body)
		if derr != nil {
			a.logger.Error("discarding undecodable message body",
				slog.String("queue", string(r.queue)),
				slog.String("token", string(d.Token)),
				slog.String("error", derr.Error()))
			if delErr := a.client.Delete(ctx, r.queue, d.Token); delErr != nil {
				a.logger.Debug("failed to delete undecodable message",
					slog.String("token", string(d.Token)),
					slog.String("error", delErr.Error()))
			}
			continue
		}

		msg := &types.Message{
			Token:        d.Token,
			Stream:       stream,
			Payload:      payload,
			EnqueuedAt:   d.EnqueuedAt,
			DequeueCount: d.DequeueCount,
		}
		msgs = append(msgs, msg)

		r.mu.Lock()
		r.leases[msg.Token] = &lease{msg: msg, expiresAt: now.Add(visibility)}
		r.mu.Unlock()
	}

	if len(msgs) > 0 {
		atomic.AddUint64(&a.metrics.Pulls, 1)
	}
	return msgs, nil
}

// Complete deletes a message and drops its lease. A lease that already
// expired is a normal duplicate signal: the message will reappear elsewhere
// and is not an error here.
func (r *Receiver) Complete(ctx context.Context, msg *types.Message) error {
	a := r.adapter

	r.mu.Lock()
	delete(r.leases, msg.Token)
	r.mu.Unlock()

	err := a.do(ctx, "delete", func() error {
		return a.client.Delete(ctx, r.queue, msg.Token)
	})
	if err != nil {
		if errors.Is(err, backend.ErrLeaseExpired) || errors.Is(err, backend.ErrMessageNotFound) {
			a.logger.Debug("complete raced with lease expiry",
				slog.String("queue", string(r.queue)),
				slog.String("token", string(msg.Token)))
			return nil
		}
		return err
	}

	atomic.AddUint64(&a.metrics.Completes, 1)
	return nil
}

// Renew extends the lease on a message whose processing is slow. Renewing
// an expired lease fails with backend.ErrLeaseExpired; the message is then
// eligible for redelivery and the local lease is dropped.
func (r *Receiver) Renew(ctx context.Context, msg *types.Message) error {
	a := r.adapter
	visibility := a.cfg.VisibilityTimeout

	err := a.do(ctx, "renew", func() error {
		return a.client.UpdateVisibility(ctx, r.queue, msg.Token, visibility)
	})
	if err != nil {
		if errors.Is(err, backend.ErrLeaseExpired) || errors.Is(err, backend.ErrMessageNotFound) {
			atomic.AddUint64(&a.metrics.RenewalErrors, 1)
			r.mu.Lock()
			delete(r.leases, msg.Token)
			r.mu.Unlock()
			return backend.ErrLeaseExpired
		}
		return err
	}

	r.mu.Lock()
	if l, ok := r.leases[msg.Token]; ok {
		l.expiresAt = time.Now().Add(visibility)
	}
	r.mu.Unlock()

	atomic.AddUint64(&a.metrics.Renewals, 1)
	return nil
}

// RenewDue renews every tracked lease expiring within the given window.
// Individual failures are logged and do not stop the sweep.
func (r *Receiver) RenewDue(ctx context.Context, within time.Duration) {
	cutoff := time.Now().Add(within)

	r.mu.Lock()
	due := make([]*types.Message, 0, len(r.leases))
	for _, l := range r.leases {
		if l.expiresAt.Before(cutoff) {
			due = append(due, l.msg)
		}
	}
	r.mu.Unlock()

	for _, msg := range due {
		if err := r.Renew(ctx, msg); err != nil {
			r.adapter.logger.Debug("lease renewal failed",
				slog.String("queue", string(r.queue)),
				slog.String("token", string(msg.Token)),
				slog.String("error", err.Error()))
		}
	}
}

// Leases returns the number of leases currently tracked.
func (r *Receiver) Leases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}
