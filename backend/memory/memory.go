// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory queue backend with real
// visibility-timeout semantics. It is primarily for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/types"
)

type entry struct {
	token        types.SequenceToken
	body         []byte
	enqueuedAt   time.Time
	dequeueCount int
	leasedUntil  time.Time // zero when not leased
}

// Client implements backend.Client using per-queue in-memory FIFO slices.
type Client struct {
	mu     sync.Mutex
	queues map[types.QueueID][]*entry
	now    func() time.Time
}

// New creates a new in-memory queue backend.
func New() *Client {
	return &Client{
		queues: make(map[types.QueueID][]*entry),
		now:    time.Now,
	}
}

// SetClock overrides the clock, letting tests expire leases without
// sleeping.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Enqueue appends a body to the queue.
func (c *Client) Enqueue(ctx context.Context, queue types.QueueID, body []byte) (types.SequenceToken, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{
		token:      types.SequenceToken(uuid.NewString()),
		body:       append([]byte(nil), body...),
		enqueuedAt: c.now(),
	}
	c.queues[queue] = append(c.queues[queue], e)
	return e.token, nil
}

// Dequeue leases up to max unleased messages in arrival order. Messages
// whose lease lapsed are handed out again with their dequeue count
// incremented.
func (c *Client) Dequeue(ctx context.Context, queue types.QueueID, max int, visibility time.Duration) ([]backend.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []backend.Delivery
	for _, e := range c.queues[queue] {
		if len(out) >= max {
			break
		}
		if e.leasedUntil.After(now) {
			continue // lease still held
		}

		e.dequeueCount++
		e.leasedUntil = now.Add(visibility)
		out = append(out, backend.Delivery{
			Token:        e.token,
			Body:         append([]byte(nil), e.body...),
			EnqueuedAt:   e.enqueuedAt,
			DequeueCount: e.dequeueCount,
		})
	}
	return out, nil
}

// Delete removes a leased message permanently. Deleting after the lease
// lapsed fails with backend.ErrLeaseExpired because the message may already
// be redelivered elsewhere.
func (c *Client) Delete(ctx context.Context, queue types.QueueID, token types.SequenceToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.queues[queue]
	for i, e := range entries {
		if e.token != token {
			continue
		}
		if e.dequeueCount == 0 || !e.leasedUntil.After(c.now()) {
			return backend.ErrLeaseExpired
		}
		c.queues[queue] = append(entries[:i], entries[i+1:]...)
		return nil
	}
	return backend.ErrMessageNotFound
}

// UpdateVisibility extends the lease of a dequeued message.
func (c *Client) UpdateVisibility(ctx context.Context, queue types.QueueID, token types.SequenceToken, visibility time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.queues[queue] {
		if e.token != token {
			continue
		}
		if e.dequeueCount == 0 || !e.leasedUntil.After(c.now()) {
			return backend.ErrLeaseExpired
		}
		e.leasedUntil = c.now().Add(visibility)
		return nil
	}
	return backend.ErrMessageNotFound
}

// ApproximateLength returns the number of messages in the queue, leased or
// not.
func (c *Client) ApproximateLength(ctx context.Context, queue types.QueueID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.queues[queue])), nil
}

// Close releases nothing; it exists to satisfy backend.Client.
func (c *Client) Close() error {
	return nil
}
