// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"time"
)

// QueueID identifies one physical queue in the backend. The set of queue IDs
// is fixed at construction time and never changes at runtime.
type QueueID string

// QueueIDs builds the queue ID set for a given queue count using the
// configured name prefix.
func QueueIDs(prefix string, count int) []QueueID {
	ids := make([]QueueID, count)
	for i := 0; i < count; i++ {
		ids[i] = QueueID(fmt.Sprintf("%s-%d", prefix, i))
	}
	return ids
}

// SequenceToken is the opaque token assigned by the queue backend at enqueue
// time. It is the unit used for acknowledgement (Delete) and lease renewal
// (UpdateVisibility).
type SequenceToken string

// StreamIdentity identifies a logical stream. Immutable; an unbounded set of
// stream identities maps onto the bounded queue set via the partitioner.
type StreamIdentity struct {
	Namespace string
	Key       []byte
}

// NewStreamIdentity creates a stream identity.
func NewStreamIdentity(namespace string, key []byte) StreamIdentity {
	return StreamIdentity{Namespace: namespace, Key: key}
}

// Bytes returns the stable byte representation hashed by the partitioner.
// The namespace and key are separated by a NUL byte so that ("ab", "c") and
// ("a", "bc") hash differently.
func (s StreamIdentity) Bytes() []byte {
	b := make([]byte, 0, len(s.Namespace)+1+len(s.Key))
	b = append(b, s.Namespace...)
	b = append(b, 0)
	b = append(b, s.Key...)
	return b
}

// String returns a human-readable form for logging.
func (s StreamIdentity) String() string {
	return s.Namespace + "/" + string(s.Key)
}

// Message is the envelope moved between the queue backend and in-process
// consumers. Token and DequeueCount are assigned by the backend; the rest is
// producer data.
type Message struct {
	Token        SequenceToken
	Stream       StreamIdentity
	Payload      []byte
	EnqueuedAt   time.Time
	DequeueCount int
}
