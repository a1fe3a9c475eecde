// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/qbridge/backend/memory"
	"github.com/absmach/qbridge/types"
)

func TestNewFactory(t *testing.T) {
	cfg := testConfig()
	f, err := NewFactory(cfg, memory.New(), nil, testLogger())
	require.NoError(t, err)

	assert.NotNil(t, f.CreateAdapter())
	assert.NotNil(t, f.Cache())
	assert.NotNil(t, f.Partitioner())
	assert.Len(t, f.Partitioner().Queues(), cfg.Queues)

	// Nil failure policy falls back to log-and-drop.
	h := f.FailureHandler("test-0")
	require.NotNil(t, h)
	assert.IsType(t, &LogHandler{}, h)

	assert.NoError(t, f.Stop())
}

func TestNewFactory_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queues = 0

	_, err := NewFactory(cfg, memory.New(), nil, testLogger())
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestFactory_StartPullersIdempotent(t *testing.T) {
	f, err := NewFactory(testConfig(), memory.New(), nil, testLogger())
	require.NoError(t, err)

	f.StartPullers()
	f.StartPullers()

	f.mu.Lock()
	n := len(f.pullers)
	f.mu.Unlock()
	assert.Equal(t, testConfig().Queues, n)

	assert.NoError(t, f.Stop())
}
