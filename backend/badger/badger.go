// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides an embedded durable queue backend on BadgerDB.
// Sequence numbers are allocated per queue and encoded into the token, so
// iteration order over the message prefix is arrival order.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/types"
)

const (
	msgPrefix = "q:msg:"
	seqPrefix = "q:seq:"
)

type record struct {
	Body         []byte    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	DequeueCount int       `json:"dequeue_count"`
	LeasedUntil  time.Time `json:"leased_until,omitempty"`
}

// Client implements backend.Client using BadgerDB.
type Client struct {
	db *badger.DB
}

// New creates a badger queue backend on an existing DB handle.
func New(db *badger.DB) *Client {
	return &Client{db: db}
}

// Open opens a badger DB at dir with default options and wraps it.
func Open(dir string) (*Client, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return New(db), nil
}

func msgKey(queue types.QueueID, seq uint64) []byte {
	key := make([]byte, 0, len(msgPrefix)+len(queue)+1+8)
	key = append(key, msgPrefix...)
	key = append(key, queue...)
	key = append(key, ':')
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

// Enqueue appends a body and returns a token encoding the assigned
// sequence number.
func (c *Client) Enqueue(ctx context.Context, queue types.QueueID, body []byte) (types.SequenceToken, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var seq uint64
	err := c.db.Update(func(txn *badger.Txn) error {
		seqKey := []byte(seqPrefix + string(queue))
		item, err := txn.Get(seqKey)
		switch err {
		case nil:
			if err := item.Value(func(val []byte) error {
				seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case badger.ErrKeyNotFound:
			seq = 0
		default:
			return err
		}
		seq++

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := txn.Set(seqKey, buf[:]); err != nil {
			return err
		}

		data, err := json.Marshal(record{Body: body, EnqueuedAt: time.Now()})
		if err != nil {
			return err
		}
		return txn.Set(msgKey(queue, seq), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return types.SequenceToken(fmt.Sprintf("%020d", seq)), nil
}

// Dequeue leases up to max unleased messages in sequence order.
func (c *Client) Dequeue(ctx context.Context, queue types.QueueID, max int, visibility time.Duration) ([]backend.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	var out []backend.Delivery
	err := c.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(msgPrefix + string(queue) + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < max; it.Next() {
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.LeasedUntil.After(now) {
				continue
			}

			rec.DequeueCount++
			rec.LeasedUntil = now.Add(visibility)
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := item.KeyCopy(nil)
			if err := txn.Set(key, data); err != nil {
				return err
			}

			seq := binary.BigEndian.Uint64(key[len(prefix):])
			out = append(out, backend.Delivery{
				Token:        types.SequenceToken(fmt.Sprintf("%020d", seq)),
				Body:         append([]byte(nil), rec.Body...),
				EnqueuedAt:   rec.EnqueuedAt,
				DequeueCount: rec.DequeueCount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	return out, nil
}

// Delete removes a leased message permanently.
func (c *Client) Delete(ctx context.Context, queue types.QueueID, token types.SequenceToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withLeased(queue, token, func(txn *badger.Txn, key []byte, rec record) error {
		return txn.Delete(key)
	})
}

// UpdateVisibility extends the lease of a dequeued message.
func (c *Client) UpdateVisibility(ctx context.Context, queue types.QueueID, token types.SequenceToken, visibility time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withLeased(queue, token, func(txn *badger.Txn, key []byte, rec record) error {
		rec.LeasedUntil = time.Now().Add(visibility)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// withLeased loads the record for a token, verifies its lease is live, and
// applies fn inside the same transaction.
func (c *Client) withLeased(queue types.QueueID, token types.SequenceToken, fn func(txn *badger.Txn, key []byte, rec record) error) error {
	var seq uint64
	if _, err := fmt.Sscanf(string(token), "%d", &seq); err != nil {
		return backend.ErrMessageNotFound
	}
	key := msgKey(queue, seq)

	return c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return backend.ErrMessageNotFound
		}
		if err != nil {
			return err
		}

		var rec record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if rec.DequeueCount == 0 || !rec.LeasedUntil.After(time.Now()) {
			return backend.ErrLeaseExpired
		}
		return fn(txn, key, rec)
	})
}

// ApproximateLength counts the messages in the queue, leased or not.
func (c *Client) ApproximateLength(ctx context.Context, queue types.QueueID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(msgPrefix + string(queue) + ":")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Close closes the underlying DB.
func (c *Client) Close() error {
	return c.db.Close()
}
