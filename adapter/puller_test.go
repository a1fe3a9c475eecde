// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/qbridge/backend/memory"
	"github.com/absmach/qbridge/types"
)

// recordingHandler captures failure-handler invocations.
type recordingHandler struct {
	mu    sync.Mutex
	calls int
	ch    chan *types.Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan *types.Message, 4)}
}

func (h *recordingHandler) OnDeliveryFailure(ctx context.Context, queue types.QueueID, msg *types.Message) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	select {
	case h.ch <- msg:
	default:
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestPuller_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	client := memory.New()

	f, err := NewFactory(cfg, client, NoopHandler{}, testLogger())
	require.NoError(t, err)
	defer f.Stop()

	stream := types.NewStreamIdentity("sensors", []byte("device-9"))
	queue := f.Partitioner().QueueFor(stream)
	cur := f.Cache().Attach(queue)

	f.StartPullers()

	ack, err := f.CreateAdapter().Send(ctx, stream, []byte("reading"))
	require.NoError(t, err)
	require.Equal(t, queue, ack.Queue)

	msg, err := cur.ReadNext(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, stream, msg.Stream)
	assert.Equal(t, []byte("reading"), msg.Payload)

	cur.Ack(msg)

	// Full consumption completes the message against the backend.
	require.Eventually(t, func() bool {
		n, err := client.ApproximateLength(ctx, queue)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Nothing left to redeliver.
	again, err := cur.ReadNext(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestPuller_IdlesWithoutCursors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	client := memory.New()

	f, err := NewFactory(cfg, client, NoopHandler{}, testLogger())
	require.NoError(t, err)
	defer f.Stop()
	f.StartPullers()

	stream := types.NewStreamIdentity("sensors", []byte("device-3"))
	ack, err := f.CreateAdapter().Send(ctx, stream, []byte("reading"))
	require.NoError(t, err)

	// With no cursor attached the puller must not lease anything: a
	// direct dequeue still sees the message on its first delivery.
	time.Sleep(600 * time.Millisecond)
	out, err := client.Dequeue(ctx, ack.Queue, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].DequeueCount)
}

func TestPuller_PoisonRoutedToHandler(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxDequeueCount = 2

	client := memory.New()
	var mu sync.Mutex
	offset := time.Duration(0)
	client.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return time.Now().Add(offset)
	})
	advance := func(d time.Duration) {
		mu.Lock()
		offset += d
		mu.Unlock()
	}

	handler := newRecordingHandler()
	f, err := NewFactory(cfg, client, handler, testLogger())
	require.NoError(t, err)
	defer f.Stop()

	stream := types.NewStreamIdentity("sensors", []byte("device-13"))
	queue := f.Partitioner().QueueFor(stream)

	ack, err := f.CreateAdapter().Send(ctx, stream, []byte("poison"))
	require.NoError(t, err)

	// Burn through the dequeue budget with leases that expire unserved.
	for i := 1; i <= cfg.MaxDequeueCount; i++ {
		out, err := client.Dequeue(ctx, queue, 1, 50*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, i, out[0].DequeueCount)
		advance(100 * time.Millisecond)
	}

	cur := f.Cache().Attach(queue)
	f.StartPullers()

	// The next delivery exceeds the threshold: the handler fires and the
	// message is deleted instead of cached.
	select {
	case msg := <-handler.ch:
		assert.Equal(t, ack.Token, msg.Token)
		assert.Greater(t, msg.DequeueCount, cfg.MaxDequeueCount)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler never invoked")
	}

	require.Eventually(t, func() bool {
		n, err := client.ApproximateLength(ctx, queue)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	got, err := cur.ReadNext(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, handler.count())
}

func TestPuller_BackPressureStopsFetching(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Queues = 1
	cfg.CacheCapacity = 2
	cfg.DetachPatience = 10 * time.Second

	client := memory.New()
	f, err := NewFactory(cfg, client, NoopHandler{}, testLogger())
	require.NoError(t, err)
	defer f.Stop()

	queue := f.Partitioner().Queues()[0]
	a := f.CreateAdapter()
	for i := 0; i < 4; i++ {
		_, err := a.Send(ctx, types.NewStreamIdentity("ns", []byte{byte(i)}), []byte("payload"))
		require.NoError(t, err)
	}

	cur := f.Cache().Attach(queue)
	f.StartPullers()

	// Read up to capacity without acknowledging; the cache is now full
	// and the writer is blocked.
	for i := 0; i < cfg.CacheCapacity; i++ {
		msg, err := cur.ReadNext(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
	}
	time.Sleep(200 * time.Millisecond)

	// The puller never leased more than fit in the cache: the remaining
	// messages are still on their first delivery.
	out, err := client.Dequeue(ctx, queue, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, d := range out {
		assert.Equal(t, 1, d.DequeueCount)
	}
}
