// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/qbridge/types"
)

func TestCursor_ReadNextTimeout(t *testing.T) {
	ctx := context.Background()
	cur := newTestCache(t, 10, time.Second).Attach(testQueue)

	start := time.Now()
	msg, err := cur.ReadNext(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCursor_ReadNextBlocksUntilPut(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)
	cur := b.Attach()

	got := make(chan *types.Message, 1)
	go func() {
		msg, err := cur.ReadNext(ctx, 2*time.Second)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Put(ctx, newMsg(1)))

	select {
	case msg := <-got:
		require.NotNil(t, msg)
		assert.Equal(t, newMsg(1).Token, msg.Token)
	case <-time.After(time.Second):
		t.Fatal("blocked read never woke up")
	}
}

func TestCursor_ReadNextContextCancel(t *testing.T) {
	cur := newTestCache(t, 10, time.Second).Attach(testQueue)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := cur.ReadNext(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCursor_AttachAtTail(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)

	early := b.Attach()
	require.NoError(t, b.Put(ctx, newMsg(1)))

	// A cursor attached later only sees messages ingested after it.
	late := b.Attach()
	require.NoError(t, b.Put(ctx, newMsg(2)))

	msg, err := early.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, newMsg(1).Token, msg.Token)

	msg, err = late.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, newMsg(2).Token, msg.Token)
}

func TestCursor_AckIsMonotonic(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)
	cur := b.Attach()

	require.NoError(t, b.Put(ctx, newMsg(1)))
	require.NoError(t, b.Put(ctx, newMsg(2)))

	m1, err := cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	m2, err := cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)

	cur.Ack(m2)
	assert.Equal(t, 0, b.Len())

	// Re-acking an evicted or earlier message changes nothing.
	cur.Ack(m1)
	cur.Ack(m2)
	assert.Zero(t, cur.Lag())
}

func TestCursor_AckUnreadIsNoop(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)
	cur := b.Attach()

	require.NoError(t, b.Put(ctx, newMsg(1)))

	// Acknowledging a message that was never read does not advance.
	cur.Ack(newMsg(1))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, uint64(1), cur.Lag())
}

func TestCursor_Purge(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)
	cur := b.Attach()

	require.NoError(t, b.Put(ctx, newMsg(1)))
	require.NoError(t, b.Put(ctx, newMsg(2)))

	m1, err := cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	_, err = cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	cur.Ack(m1)

	// Unacknowledged read-ahead is served again after a purge.
	cur.Purge()
	msg, err := cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, newMsg(2).Token, msg.Token)
}

func TestCursor_Detach(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)

	holder := b.Attach()
	other := b.Attach()

	require.NoError(t, b.Put(ctx, newMsg(1)))
	msg, err := other.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	other.Ack(msg)

	// The holder alone pins the entry; detaching releases it.
	assert.Equal(t, 1, b.Len())
	holder.Detach()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 1, b.CursorCount())

	_, err = holder.ReadNext(ctx, time.Second)
	assert.ErrorIs(t, err, types.ErrCursorDetached)

	// Idempotent.
	holder.Detach()
	assert.Equal(t, 1, b.CursorCount())
}

func TestCursor_Lag(t *testing.T) {
	ctx := context.Background()
	b := newTestCache(t, 10, time.Second).Bucket(testQueue)
	cur := b.Attach()

	assert.Zero(t, cur.Lag())

	require.NoError(t, b.Put(ctx, newMsg(1)))
	require.NoError(t, b.Put(ctx, newMsg(2)))
	assert.Equal(t, uint64(2), cur.Lag())

	msg, err := cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	cur.Ack(msg)
	assert.Equal(t, uint64(1), cur.Lag())
}
