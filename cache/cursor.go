// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/qbridge/types"
)

// Cursor is one consumer group's read position into a bucket. The read
// position advances on ReadNext; the acknowledged position advances on Ack
// and is what permits eviction. Both only move forward.
//
// A Cursor is owned by one consumer at a time and is not safe for
// concurrent use by multiple goroutines.
type Cursor struct {
	id     string
	bucket *Bucket

	// Guarded by bucket.mu.
	readPos  uint64
	ackPos   uint64
	starved  bool
	gap      uint64
	detached bool
}

// ID returns the cursor's unique identifier.
func (c *Cursor) ID() string {
	return c.id
}

// ReadNext returns the next buffered message, blocking up to timeout when
// none is available yet. A nil message with nil error means the timeout
// elapsed. A starved cursor reports types.ErrCursorStarved with the gap
// size; the consumer may re-attach, accepting the gap.
func (c *Cursor) ReadNext(ctx context.Context, timeout time.Duration) (*types.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b := c.bucket
	b.mu.Lock()
	for {
		if c.starved {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %d messages missed", types.ErrCursorStarved, c.gap)
		}
		if c.detached {
			b.mu.Unlock()
			return nil, types.ErrCursorDetached
		}

		if c.readPos < b.tailPos {
			idx := c.readPos - b.headPosLocked()
			msg := b.entries[idx].msg
			c.readPos++
			b.mu.Unlock()
			return msg, nil
		}

		notEmpty := b.notEmpty
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notEmpty:
		}
		b.mu.Lock()
	}
}

// Ack commits read progress through the given message, making everything up
// to and including it eligible for eviction once every other active cursor
// has also passed it. Acking an unknown or already-passed message is a
// no-op; the position never moves backward.
func (c *Cursor) Ack(msg *types.Message) {
	b := c.bucket
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.starved || c.detached {
		return
	}

	for _, e := range b.entries {
		if e.msg.Token != msg.Token {
			continue
		}
		if e.pos+1 > c.ackPos && e.pos < c.readPos {
			c.ackPos = e.pos + 1
			b.evictLocked()
		}
		return
	}
}

// Purge discards unacknowledged read-ahead, rewinding the read position to
// the last acknowledged one so those messages are served again.
func (c *Cursor) Purge() {
	b := c.bucket
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.starved && !c.detached {
		c.readPos = c.ackPos
	}
}

// Detach removes the cursor from its bucket. Entries it alone was holding
// become evictable immediately. Safe to call at any point; idempotent.
func (c *Cursor) Detach() {
	b := c.bucket
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.detached || c.starved {
		c.detached = true
		return
	}
	c.detached = true
	delete(b.cursors, c.id)
	b.evictLocked()
}

// Starved reports whether the cursor was detached with a gap, and the gap
// size.
func (c *Cursor) Starved() (bool, uint64) {
	b := c.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.starved, c.gap
}

// Lag returns how many buffered messages the cursor has not yet
// acknowledged.
func (c *Cursor) Lag() uint64 {
	b := c.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tailPos - c.ackPos
}
