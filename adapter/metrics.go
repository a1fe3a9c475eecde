// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import "sync/atomic"

// Metrics tracks adapter statistics.
type Metrics struct {
	// Send metrics
	Sends        uint64 // Successful sends
	SendFailures uint64 // Sends that exhausted the retry budget

	// Backend call metrics
	Retries uint64 // Retried backend calls

	// Pull metrics
	Pulls      uint64 // Pull calls that returned messages
	PullErrors uint64 // Pull calls that failed after retries
	Ingested   uint64 // Messages handed to the cache

	// Lease metrics
	Completes     uint64 // Messages deleted after full consumption
	Renewals      uint64 // Lease renewals
	RenewalErrors uint64 // Renewals that found the lease expired

	// Failure metrics
	Poisoned      uint64 // Messages routed to the failure handler
	HandlerErrors uint64 // Failure handler errors (swallowed)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Sends:         atomic.LoadUint64(&m.Sends),
		SendFailures:  atomic.LoadUint64(&m.SendFailures),
		Retries:       atomic.LoadUint64(&m.Retries),
		Pulls:         atomic.LoadUint64(&m.Pulls),
		PullErrors:    atomic.LoadUint64(&m.PullErrors),
		Ingested:      atomic.LoadUint64(&m.Ingested),
		Completes:     atomic.LoadUint64(&m.Completes),
		Renewals:      atomic.LoadUint64(&m.Renewals),
		RenewalErrors: atomic.LoadUint64(&m.RenewalErrors),
		Poisoned:      atomic.LoadUint64(&m.Poisoned),
		HandlerErrors: atomic.LoadUint64(&m.HandlerErrors),
	}
}
