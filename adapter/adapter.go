// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package adapter moves messages between the queue backend and in-process
// consumers: Send routes producer payloads onto queues, Receivers pull
// leased batches, and Pullers feed the cache while honoring the lease and
// poison-message contracts.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/partition"
	"github.com/absmach/qbridge/types"
)

// Ack identifies an accepted message: the queue it was routed to and the
// backend-assigned sequence token.
type Ack struct {
	Queue types.QueueID
	Token types.SequenceToken
}

// Adapter exposes Send and Receiver construction over one backend. It holds
// no message state beyond the lease bookkeeping inside each Receiver.
type Adapter struct {
	client      backend.Client
	partitioner partition.Partitioner
	cfg         types.AdapterConfig
	breaker     *gobreaker.CircuitBreaker
	metrics     *Metrics
	logger      *slog.Logger
}

// NewAdapter creates an adapter. The configuration must already be
// validated; the Factory does this once at construction.
func NewAdapter(client backend.Client, partitioner partition.Partitioner, cfg types.AdapterConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		client:      client,
		partitioner: partitioner,
		cfg:         cfg,
		metrics:     NewMetrics(),
		logger:      logger,
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "queue-backend",
		MaxRequests: 1,
		Timeout:     cfg.Retry.MaxBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Retry.MaxAttempts)
		},
		IsSuccessful: func(err error) bool {
			// Lease races and cancellations are protocol signals, not
			// backend health problems.
			return err == nil ||
				errors.Is(err, backend.ErrLeaseExpired) ||
				errors.Is(err, backend.ErrMessageNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("backend circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return a
}

// Metrics returns the adapter's counters.
func (a *Adapter) Metrics() *Metrics {
	return a.metrics
}

// Send routes the payload to its queue and enqueues it under the bounded
// retry budget. An exhausted budget or open circuit breaker surfaces as
// types.ErrBackendUnavailable.
func (a *Adapter) Send(ctx context.Context, stream types.StreamIdentity, payload []byte) (Ack, error) {
	queue := a.partitioner.QueueFor(stream)
	body := types.EncodeEnvelope(stream, payload)

	var token types.SequenceToken
	err := a.do(ctx, "enqueue", func() error {
		var err error
		token, err = a.client.Enqueue(ctx, queue, body)
		return err
	})
	if err != nil {
		atomic.AddUint64(&a.metrics.SendFailures, 1)
		return Ack{}, fmt.Errorf("send to %s: %w", queue, err)
	}

	atomic.AddUint64(&a.metrics.Sends, 1)
	return Ack{Queue: queue, Token: token}, nil
}

// CreateReceiver returns a pull capability bound to exactly one queue.
func (a *Adapter) CreateReceiver(queue types.QueueID) *Receiver {
	return newReceiver(a, queue)
}

// do runs one backend operation through the circuit breaker with bounded
// exponential-backoff retry. Lease and not-found errors are terminal and
// returned as-is; everything else is retried until the budget is exhausted
// and then wrapped as types.ErrBackendUnavailable.
func (a *Adapter) do(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 0; attempt < a.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Retry.BackoffFor(attempt - 1)):
			}
		}

		_, err := a.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, backend.ErrLeaseExpired) || errors.Is(err, backend.ErrMessageNotFound) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		last = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Local retries cannot help while the breaker is open.
			break
		}

		atomic.AddUint64(&a.metrics.Retries, 1)
		a.logger.Debug("backend call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	return fmt.Errorf("%s: %w: %w", op, types.ErrBackendUnavailable, last)
}
