// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache buffers messages pulled from the queue backend for multiple
// independent readers with differing read cursors. Each queue gets one
// bounded bucket with a single writer (the puller) and any number of
// cursors; eviction never removes an entry an active cursor has not yet
// acknowledged.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/qbridge/types"
)

// Cache holds the per-queue buckets. Buckets are created lazily on first
// access and live for the process lifetime of the adapter.
type Cache struct {
	capacity int
	patience time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	buckets map[types.QueueID]*Bucket
}

// New creates a cache. capacity bounds each bucket; patience is how long a
// blocked writer waits under back-pressure before the slowest cursor is
// detached with a gap.
func New(capacity int, patience time.Duration, logger *slog.Logger) (*Cache, error) {
	if capacity <= 0 || patience <= 0 {
		return nil, types.ErrInvalidConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		capacity: capacity,
		patience: patience,
		logger:   logger,
		buckets:  make(map[types.QueueID]*Bucket),
	}, nil
}

// Bucket returns the bucket for a queue, creating it on first access.
func (c *Cache) Bucket(queue types.QueueID) *Bucket {
	c.mu.RLock()
	b, ok := c.buckets[queue]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.buckets[queue]; ok {
		return b
	}
	b = newBucket(queue, c.capacity, c.patience, c.logger)
	c.buckets[queue] = b
	return b
}

// Attach creates a cursor on the queue's bucket, positioned at the live
// tail: it observes every message ingested after the attach point.
func (c *Cache) Attach(queue types.QueueID) *Cursor {
	return c.Bucket(queue).Attach()
}

// Put ingests one message into the queue's bucket, blocking under
// back-pressure. See Bucket.Put.
func (c *Cache) Put(ctx context.Context, queue types.QueueID, msg *types.Message) error {
	return c.Bucket(queue).Put(ctx, msg)
}
