// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package partition

import (
	"fmt"
	"hash"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/absmach/qbridge/types"
)

// Hash pool for queue selection.
var hashPool = sync.Pool{
	New: func() interface{} {
		return fnv.New64a()
	},
}

// Partitioner maps a stream identity to one of a fixed set of queues.
// Implementations must be deterministic and safe for concurrent use.
type Partitioner interface {
	QueueFor(stream types.StreamIdentity) types.QueueID
}

// Ring is a consistent-hash partitioner. Each queue owns a configured number
// of virtual points on a 64-bit ring; an identity maps to the queue owning
// the first point at or after its hash, wrapping around. Changing the queue
// count remaps only ~1/N of identities, which keeps a reconfiguration cheap
// even though runtime resizing is not supported.
//
// The ring is immutable after construction, so concurrent QueueFor calls
// need no locking.
type Ring struct {
	queues []types.QueueID
	points []ringPoint
}

type ringPoint struct {
	hash  uint64
	queue types.QueueID
}

// NewRing builds a consistent-hash ring over the given queues with
// virtualNodes points per queue.
func NewRing(queues []types.QueueID, virtualNodes int) (*Ring, error) {
	if len(queues) == 0 || virtualNodes <= 0 {
		return nil, types.ErrInvalidConfig
	}

	points := make([]ringPoint, 0, len(queues)*virtualNodes)
	for _, q := range queues {
		for replica := 0; replica < virtualNodes; replica++ {
			points = append(points, ringPoint{
				hash:  sum64([]byte(fmt.Sprintf("%s#%d", q, replica))),
				queue: q,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })

	ring := &Ring{
		queues: append([]types.QueueID(nil), queues...),
		points: points,
	}
	return ring, nil
}

// QueueFor returns the queue owning the given stream identity. The mapping
// is a pure function of the identity and the ring configuration.
func (r *Ring) QueueFor(stream types.StreamIdentity) types.QueueID {
	h := sum64(stream.Bytes())

	// First point at or after the hash, wrapping to the start.
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].queue
}

// Queues returns the configured queue set.
func (r *Ring) Queues() []types.QueueID {
	return append([]types.QueueID(nil), r.queues...)
}

func sum64(data []byte) uint64 {
	hasher := hashPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hashPool.Put(hasher)
	}()

	hasher.Write(data)
	return hasher.Sum64()
}
