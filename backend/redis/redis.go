// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a queue backend on Redis Streams. Each queue is
// one stream with one consumer group; the visibility timeout maps onto the
// pending-entry idle time, so XAUTOCLAIM surfaces expired leases with their
// delivery count and XACK acknowledges.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/redis/go-redis/v9"

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/types"
)

const (
	bodyField = "body"
	encField  = "enc"
	encS2     = "s2"
)

// Config holds the Redis backend settings.
type Config struct {
	Addr         string
	StreamPrefix string
	Group        string
	Consumer     string

	// Payloads at or above this size are stored S2-compressed when that
	// actually shrinks them. 0 disables compression.
	CompressThreshold int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client implements backend.Client on Redis Streams.
type Client struct {
	rdb *redis.Client
	cfg Config

	mu     sync.Mutex
	groups map[types.QueueID]bool
}

// New creates a Redis Streams backend and verifies connectivity.
func New(cfg Config) (*Client, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "qbridge:"
	}
	if cfg.Group == "" {
		cfg.Group = "qbridge"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "qbridge-adapter"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		cfg:    cfg,
		groups: make(map[types.QueueID]bool),
	}, nil
}

func (c *Client) stream(queue types.QueueID) string {
	return c.cfg.StreamPrefix + string(queue)
}

// ensureGroup creates the consumer group for a queue's stream once.
func (c *Client) ensureGroup(ctx context.Context, queue types.QueueID) error {
	c.mu.Lock()
	done := c.groups[queue]
	c.mu.Unlock()
	if done {
		return nil
	}

	err := c.rdb.XGroupCreateMkStream(ctx, c.stream(queue), c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.mu.Lock()
	c.groups[queue] = true
	c.mu.Unlock()
	return nil
}

// Enqueue appends the body to the queue's stream; the entry ID is the
// token.
func (c *Client) Enqueue(ctx context.Context, queue types.QueueID, body []byte) (types.SequenceToken, error) {
	if err := c.ensureGroup(ctx, queue); err != nil {
		return "", err
	}

	values := map[string]interface{}{bodyField: body}
	if t := c.cfg.CompressThreshold; t > 0 && len(body) >= t {
		compressed := s2.Encode(nil, body)
		if len(compressed) < len(body) {
			values[bodyField] = compressed
			values[encField] = encS2
		}
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream(queue),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return types.SequenceToken(id), nil
}

// Dequeue first reclaims entries whose lease (pending idle time) exceeded
// the visibility timeout, then reads fresh entries.
func (c *Client) Dequeue(ctx context.Context, queue types.QueueID, max int, visibility time.Duration) ([]backend.Delivery, error) {
	if err := c.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}
	stream := c.stream(queue)

	var out []backend.Delivery

	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim expired leases: %w", err)
	}
	if len(claimed) > 0 {
		counts, err := c.deliveryCounts(ctx, stream, claimed)
		if err != nil {
			return nil, err
		}
		for _, m := range claimed {
			d, err := c.toDelivery(m, counts[m.ID])
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}

	if remaining := max - len(out); remaining > 0 {
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(remaining),
			Block:    -1,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		for _, sr := range res {
			for _, m := range sr.Messages {
				d, err := c.toDelivery(m, 1)
				if err != nil {
					return nil, err
				}
				out = append(out, d)
			}
		}
	}

	return out, nil
}

// deliveryCounts fetches the group delivery count for reclaimed entries.
func (c *Client) deliveryCounts(ctx context.Context, stream string, msgs []redis.XMessage) (map[string]int, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending counts: %w", err)
	}

	counts := make(map[string]int, len(pending))
	for _, p := range pending {
		counts[p.ID] = int(p.RetryCount)
	}
	return counts, nil
}

func (c *Client) toDelivery(m redis.XMessage, count int) (backend.Delivery, error) {
	raw, ok := m.Values[bodyField].(string)
	if !ok {
		return backend.Delivery{}, fmt.Errorf("stream entry %s has no body field", m.ID)
	}
	body := []byte(raw)

	if enc, ok := m.Values[encField].(string); ok && enc == encS2 {
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return backend.Delivery{}, fmt.Errorf("failed to decompress entry %s: %w", m.ID, err)
		}
		body = decoded
	}

	if count < 1 {
		count = 1
	}
	return backend.Delivery{
		Token:        types.SequenceToken(m.ID),
		Body:         body,
		EnqueuedAt:   entryTime(m.ID),
		DequeueCount: count,
	}, nil
}

// entryTime extracts the millisecond timestamp embedded in a stream entry
// ID.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// Delete acknowledges and removes an entry. An entry no longer pending for
// the group was acked already or never delivered.
func (c *Client) Delete(ctx context.Context, queue types.QueueID, token types.SequenceToken) error {
	stream := c.stream(queue)

	acked, err := c.rdb.XAck(ctx, stream, c.cfg.Group, string(token)).Result()
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	if acked == 0 {
		return backend.ErrMessageNotFound
	}

	if err := c.rdb.XDel(ctx, stream, string(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

// UpdateVisibility resets the pending idle time by re-claiming the entry
// for this consumer, extending its lease.
func (c *Client) UpdateVisibility(ctx context.Context, queue types.QueueID, token types.SequenceToken, visibility time.Duration) error {
	ids, err := c.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.stream(queue),
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{string(token)},
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if len(ids) == 0 {
		return backend.ErrLeaseExpired
	}
	return nil
}

// ApproximateLength returns the stream length.
func (c *Client) ApproximateLength(ctx context.Context, queue types.QueueID) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.stream(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
