// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the narrow interface the adapter requires from a
// durable queue service. Any compliant implementation can back the adapter;
// the wire protocol of a concrete service is out of scope here.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/qbridge/types"
)

var (
	// ErrMessageNotFound indicates the token does not name a live message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrLeaseExpired indicates the lease on a dequeued message lapsed
	// before the operation, so the message may already have been
	// redelivered. Callers treat this as a normal duplicate signal.
	ErrLeaseExpired = errors.New("lease expired")
)

// Delivery is one dequeued message body plus the backend-assigned metadata.
// The body is opaque to the backend; the adapter owns the envelope format.
type Delivery struct {
	Token        types.SequenceToken
	Body         []byte
	EnqueuedAt   time.Time
	DequeueCount int
}

// Client is the durable queue primitive. All calls may fail transiently;
// bounded retry is the caller's responsibility.
type Client interface {
	// Enqueue appends a body to the queue and returns its sequence token.
	Enqueue(ctx context.Context, queue types.QueueID, body []byte) (types.SequenceToken, error)

	// Dequeue leases up to max messages for the visibility duration. A
	// message under an unexpired lease is never handed out twice; once
	// the lease lapses it becomes eligible for redelivery with its
	// dequeue count incremented.
	Dequeue(ctx context.Context, queue types.QueueID, max int, visibility time.Duration) ([]Delivery, error)

	// Delete acknowledges a leased message, removing it permanently.
	Delete(ctx context.Context, queue types.QueueID, token types.SequenceToken) error

	// UpdateVisibility extends the lease of a dequeued message.
	UpdateVisibility(ctx context.Context, queue types.QueueID, token types.SequenceToken, visibility time.Duration) error

	// ApproximateLength returns the approximate number of messages in
	// the queue, leased or not.
	ApproximateLength(ctx context.Context, queue types.QueueID) (int64, error)

	// Close releases client resources.
	Close() error
}
