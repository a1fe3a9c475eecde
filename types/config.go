// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"math"
	"time"
)

// RetryPolicy defines bounded exponential backoff for backend calls.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// BackoffFor returns the backoff to sleep before the given retry attempt.
// Attempt 0 is the first retry. The result is capped at MaxBackoff.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// AdapterConfig holds the runtime knobs of the adapter subsystem. The queue
// ID set derived from QueuePrefix and Queues is fixed for the process
// lifetime.
type AdapterConfig struct {
	// Partitioning
	Queues       int
	QueuePrefix  string
	VirtualNodes int

	// Cache
	CacheCapacity  int
	DetachPatience time.Duration

	// Leasing
	VisibilityTimeout time.Duration
	MaxDequeueCount   int

	// Pulling
	BatchSize int
	PullRate  float64 // pulls per second per queue, 0 = unlimited
	PullBurst int

	Retry RetryPolicy
}

// DefaultAdapterConfig returns the default adapter configuration.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Queues:            4,
		QueuePrefix:       "qbridge",
		VirtualNodes:      128,
		CacheCapacity:     1024,
		DetachPatience:    30 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		MaxDequeueCount:   5,
		BatchSize:         32,
		PullRate:          0,
		PullBurst:         1,
		Retry: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Validate validates the adapter configuration.
func (c AdapterConfig) Validate() error {
	switch {
	case c.Queues <= 0:
		return ErrInvalidConfig
	case c.QueuePrefix == "":
		return ErrInvalidConfig
	case c.VirtualNodes <= 0:
		return ErrInvalidConfig
	case c.CacheCapacity <= 0:
		return ErrInvalidConfig
	case c.DetachPatience <= 0:
		return ErrInvalidConfig
	case c.VisibilityTimeout <= 0:
		return ErrInvalidConfig
	case c.MaxDequeueCount <= 0:
		return ErrInvalidConfig
	case c.BatchSize <= 0:
		return ErrInvalidConfig
	case c.PullRate < 0:
		return ErrInvalidConfig
	case c.Retry.MaxAttempts <= 0:
		return ErrInvalidConfig
	case c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff:
		return ErrInvalidConfig
	case c.Retry.Multiplier < 1.0:
		return ErrInvalidConfig
	}
	return nil
}
