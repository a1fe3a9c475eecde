// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/qbridge/types"
)

type bucketEntry struct {
	pos uint64
	msg *types.Message
}

// Bucket is the bounded per-queue window of buffered messages. One writer
// (the puller for that queue) appends; attached cursors read concurrently.
// All state is guarded by a single bucket-scoped mutex; cross-bucket state
// is never shared.
type Bucket struct {
	queue    types.QueueID
	capacity int
	patience time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries []bucketEntry
	tailPos uint64 // position assigned to the next append
	cursors map[string]*Cursor

	// Messages acknowledged by every active cursor, awaiting backend
	// completion by the puller.
	consumed   []*types.Message
	consumedCh chan struct{}

	// Broadcast channels, closed and replaced on the respective event.
	notEmpty chan struct{} // append happened
	space    chan struct{} // room freed (eviction or detach)
}

func newBucket(queue types.QueueID, capacity int, patience time.Duration, logger *slog.Logger) *Bucket {
	return &Bucket{
		queue:      queue,
		capacity:   capacity,
		patience:   patience,
		logger:     logger,
		cursors:    make(map[string]*Cursor),
		consumedCh: make(chan struct{}, 1),
		notEmpty:   make(chan struct{}),
		space:      make(chan struct{}),
	}
}

// Attach creates a cursor at the live tail.
func (b *Bucket) Attach() *Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := &Cursor{
		id:      uuid.NewString(),
		bucket:  b,
		readPos: b.tailPos,
		ackPos:  b.tailPos,
	}
	b.cursors[cur.id] = cur
	return cur
}

// CursorCount returns the number of active cursors.
func (b *Bucket) CursorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cursors)
}

// Len returns the number of buffered messages.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Put appends a message, preserving arrival order. When the bucket is full
// and the slowest cursor has not passed the oldest entry, Put blocks
// (back-pressure) until acknowledgements free room, the context is
// cancelled, or the stall outlives the detach patience, at which point the
// slowest cursor is detached with a gap and room is reclaimed.
func (b *Bucket) Put(ctx context.Context, msg *types.Message) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	b.mu.Lock()
	for {
		b.evictLocked()
		if len(b.entries) < b.capacity {
			break
		}

		if timer == nil {
			timer = time.NewTimer(b.patience)
		}

		space := b.space
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			b.mu.Lock()
			b.starveSlowestLocked()
			// Re-arm so a second slow cursor gets its own patience
			// window.
			timer = nil
			continue
		case <-space:
		}
		b.mu.Lock()
	}

	b.entries = append(b.entries, bucketEntry{pos: b.tailPos, msg: msg})
	b.tailPos++

	close(b.notEmpty)
	b.notEmpty = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// WaitRoom blocks until the bucket has room for at least one message and
// returns the available room. The same detach patience as Put applies, so a
// puller gating its batch size on WaitRoom never fetches a message the
// bucket cannot hold.
func (b *Bucket) WaitRoom(ctx context.Context) (int, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	b.mu.Lock()
	for {
		b.evictLocked()
		if room := b.capacity - len(b.entries); room > 0 {
			b.mu.Unlock()
			return room, nil
		}

		if timer == nil {
			timer = time.NewTimer(b.patience)
		}

		space := b.space
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			b.mu.Lock()
			b.starveSlowestLocked()
			timer = nil
			continue
		case <-space:
		}
		b.mu.Lock()
	}
}

// DrainConsumed returns the messages acknowledged by every active cursor
// since the last call. The puller completes these against the backend.
func (b *Bucket) DrainConsumed() []*types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.consumed
	b.consumed = nil
	return out
}

// Consumed signals when DrainConsumed has work.
func (b *Bucket) Consumed() <-chan struct{} {
	return b.consumedCh
}

// headPosLocked returns the position of the oldest buffered entry.
func (b *Bucket) headPosLocked() uint64 {
	return b.tailPos - uint64(len(b.entries))
}

// minAckLocked returns the smallest acknowledged position across active
// cursors, or the tail when no cursor is attached.
func (b *Bucket) minAckLocked() uint64 {
	min := b.tailPos
	for _, cur := range b.cursors {
		if cur.ackPos < min {
			min = cur.ackPos
		}
	}
	return min
}

// evictLocked removes entries every active cursor has acknowledged, moving
// them to the consumed feed. Returns the number of evicted entries.
func (b *Bucket) evictLocked() int {
	min := b.minAckLocked()
	head := b.headPosLocked()
	if min <= head {
		return 0
	}

	n := int(min - head)
	if n > len(b.entries) {
		n = len(b.entries)
	}
	for i := 0; i < n; i++ {
		b.consumed = append(b.consumed, b.entries[i].msg)
	}
	b.entries = b.entries[n:]

	select {
	case b.consumedCh <- struct{}{}:
	default:
	}
	close(b.space)
	b.space = make(chan struct{})
	return n
}

// starveSlowestLocked detaches the cursor with the smallest acknowledged
// position, recording the gap it will miss. Called only when back-pressure
// outlasted the configured patience; the condition is reported, never
// silent.
func (b *Bucket) starveSlowestLocked() {
	var slowest *Cursor
	for _, cur := range b.cursors {
		if slowest == nil || cur.ackPos < slowest.ackPos {
			slowest = cur
		}
	}
	if slowest == nil {
		return
	}

	slowest.starved = true
	slowest.gap = b.tailPos - slowest.ackPos
	delete(b.cursors, slowest.id)

	b.logger.Warn("cursor starved, detaching with gap",
		slog.String("queue", string(b.queue)),
		slog.String("cursor", slowest.id),
		slog.Uint64("gap", slowest.gap))

	b.evictLocked()
}
