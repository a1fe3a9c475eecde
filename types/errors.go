// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

var (
	// ErrInvalidConfig indicates an invalid adapter configuration. It is
	// returned at construction time only, never at runtime.
	ErrInvalidConfig = errors.New("invalid adapter configuration")

	// ErrBackendUnavailable indicates the queue backend kept failing after
	// the configured retry budget was exhausted.
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrCursorStarved indicates a cursor fell too far behind and was
	// detached with a gap under capacity pressure. The consumer may
	// re-attach, accepting that messages were missed.
	ErrCursorStarved = errors.New("cursor detached with gap")

	// ErrCursorDetached indicates an operation on a cursor that was
	// explicitly detached.
	ErrCursorDetached = errors.New("cursor detached")
)
