// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/qbridge/types"
)

const testQueue = types.QueueID("test-0")

func newTestCache(t *testing.T, capacity int, patience time.Duration) *Cache {
	t.Helper()
	c, err := New(capacity, patience, nil)
	require.NoError(t, err)
	return c
}

func newMsg(i int) *types.Message {
	return &types.Message{
		Token:   types.SequenceToken(fmt.Sprintf("token-%d", i)),
		Stream:  types.NewStreamIdentity("test", []byte("stream")),
		Payload: []byte(fmt.Sprintf("payload-%d", i)),
	}
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(0, time.Second, nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = New(10, 0, nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestCache_BucketPerQueue(t *testing.T) {
	c := newTestCache(t, 10, time.Second)

	a := c.Bucket("q-a")
	b := c.Bucket("q-b")

	assert.NotSame(t, a, b)
	assert.Same(t, a, c.Bucket("q-a"))
}

func TestCache_AttachAndPut(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10, time.Second)

	cur := c.Attach(testQueue)
	require.NoError(t, c.Put(ctx, testQueue, newMsg(1)))

	msg, err := cur.ReadNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.SequenceToken("token-1"), msg.Token)
}
