// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"log/slog"
	"sync"

	"github.com/absmach/qbridge/backend"
	"github.com/absmach/qbridge/cache"
	"github.com/absmach/qbridge/partition"
	"github.com/absmach/qbridge/types"
)

// Factory assembles the adapter subsystem from configuration once at
// startup. There are no hidden singletons: everything the components need
// is passed to their constructors here.
type Factory struct {
	cfg     types.AdapterConfig
	client  backend.Client
	failure FailureHandler
	logger  *slog.Logger

	ring    *partition.Ring
	cache   *cache.Cache
	adapter *Adapter

	mu      sync.Mutex
	pullers []*Puller
}

// NewFactory validates the configuration and builds the partitioner, cache,
// and adapter. failure may be nil for the default log-and-drop policy;
// logger may be nil for slog.Default.
func NewFactory(cfg types.AdapterConfig, client backend.Client, failure FailureHandler, logger *slog.Logger) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if failure == nil {
		failure = NewLogHandler(logger)
	}

	ring, err := partition.NewRing(types.QueueIDs(cfg.QueuePrefix, cfg.Queues), cfg.VirtualNodes)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cfg.CacheCapacity, cfg.DetachPatience, logger)
	if err != nil {
		return nil, err
	}

	return &Factory{
		cfg:     cfg,
		client:  client,
		failure: failure,
		logger:  logger,
		ring:    ring,
		cache:   c,
		adapter: NewAdapter(client, ring, cfg, logger),
	}, nil
}

// CreateAdapter returns the queue adapter.
func (f *Factory) CreateAdapter() *Adapter {
	return f.adapter
}

// Cache returns the queue cache.
func (f *Factory) Cache() *cache.Cache {
	return f.cache
}

// Partitioner returns the queue partitioner.
func (f *Factory) Partitioner() *partition.Ring {
	return f.ring
}

// FailureHandler returns the failure handler for a queue. The policy is
// currently shared across queues; the queue-keyed signature leaves room for
// per-queue policies.
func (f *Factory) FailureHandler(queue types.QueueID) FailureHandler {
	return f.failure
}

// StartPullers launches one puller per configured queue. Static
// assignment: the queue set never changes at runtime.
func (f *Factory) StartPullers() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pullers) > 0 {
		return
	}
	for _, queue := range f.ring.Queues() {
		p := NewPuller(f.adapter, f.cache, f.failure, queue)
		p.Start()
		f.pullers = append(f.pullers, p)
	}
	f.logger.Info("pullers started", slog.Int("queues", len(f.pullers)))
}

// Stop stops all pullers and closes the backend client.
func (f *Factory) Stop() error {
	f.mu.Lock()
	pullers := f.pullers
	f.pullers = nil
	f.mu.Unlock()

	for _, p := range pullers {
		p.Stop()
	}
	return f.client.Close()
}
