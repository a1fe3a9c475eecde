// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/types"
)

// Integration tests against a live Redis. Set QBRIDGE_REDIS_ADDR to run.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("QBRIDGE_REDIS_ADDR")
	if addr == "" {
		t.Skip("QBRIDGE_REDIS_ADDR not set")
	}

	c, err := New(Config{
		Addr:         addr,
		StreamPrefix: fmt.Sprintf("qbridge-test-%d:", time.Now().UnixNano()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	queue := types.QueueID("test-0")

	token, err := c.Enqueue(ctx, queue, []byte("payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	out, err := c.Dequeue(ctx, queue, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, token, out[0].Token)
	assert.Equal(t, []byte("payload"), out[0].Body)
	assert.Equal(t, 1, out[0].DequeueCount)

	// Pending entries stay invisible inside the visibility window.
	out, err = c.Dequeue(ctx, queue, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestClient_LeaseExpiryRedelivery(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	queue := types.QueueID("test-redeliver")

	_, err := c.Enqueue(ctx, queue, []byte("payload"))
	require.NoError(t, err)

	out, err := c.Dequeue(ctx, queue, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, out, 1)

	time.Sleep(100 * time.Millisecond)

	out, err = c.Dequeue(ctx, queue, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].DequeueCount)
}

func TestClient_DeleteAndRenew(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	queue := types.QueueID("test-delete")

	token, err := c.Enqueue(ctx, queue, []byte("payload"))
	require.NoError(t, err)

	out, err := c.Dequeue(ctx, queue, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 1)

	require.NoError(t, c.UpdateVisibility(ctx, queue, token, time.Minute))
	require.NoError(t, c.Delete(ctx, queue, token))

	n, err := c.ApproximateLength(ctx, queue)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, c.Delete(ctx, queue, token), backend.ErrMessageNotFound)
	assert.ErrorIs(t, c.UpdateVisibility(ctx, queue, token, time.Minute), backend.ErrLeaseExpired)
}

func TestClient_CompressedBodies(t *testing.T) {
	addr := os.Getenv("QBRIDGE_REDIS_ADDR")
	if addr == "" {
		t.Skip("QBRIDGE_REDIS_ADDR not set")
	}

	c, err := New(Config{
		Addr:              addr,
		StreamPrefix:      fmt.Sprintf("qbridge-test-%d:", time.Now().UnixNano()),
		CompressThreshold: 64,
	})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	queue := types.QueueID("test-compress")

	// Highly compressible and well over the threshold.
	body := make([]byte, 4096)
	_, err = c.Enqueue(ctx, queue, body)
	require.NoError(t, err)

	out, err := c.Dequeue(ctx, queue, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, body, out[0].Body)
}
