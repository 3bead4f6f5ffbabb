// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Quiescence reports when every core has left the code it was executing at
// the time of the call. A swap waits on it before reclaiming a replaced
// module's memory: new entries into module code after the wait began do not
// matter, they can only land in the replacement.
type Quiescence interface {
	// Wait blocks until quiescence or until ctx is done, in which case it
	// returns the context's error.
	Wait(ctx context.Context) error
}

// NopQuiescence reports quiescence immediately, for hosts that do not
// instrument their cores.
type NopQuiescence struct{}

func (NopQuiescence) Wait(context.Context) error { return nil }

const epochPollInterval = 500 * time.Microsecond

// EpochTracker implements Quiescence with per-core epoch counters. A core
// increments its counter when it enters module code and again when it
// leaves, so an odd value means the core is inside. Wait completes once
// every counter that was odd at the start has changed.
type EpochTracker struct {
	mu    sync.Mutex
	cores map[int]*atomic.Uint64
}

// NewEpochTracker returns a tracker with no cores registered. Cores register
// implicitly on their first Enter.
func NewEpochTracker() *EpochTracker {
	return &EpochTracker{cores: make(map[int]*atomic.Uint64)}
}

func (t *EpochTracker) counter(core int) *atomic.Uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cores[core]
	if !ok {
		c = new(atomic.Uint64)
		t.cores[core] = c
	}
	return c
}

// Enter marks the core as executing module code.
func (t *EpochTracker) Enter(core int) { t.counter(core).Add(1) }

// Exit marks the core as having left module code. Every Enter must be paired
// with an Exit on the same core.
func (t *EpochTracker) Exit(core int) { t.counter(core).Add(1) }

// Wait blocks until every core that was inside module code when Wait was
// called has left it at least once.
func (t *EpochTracker) Wait(ctx context.Context) error {
	type pending struct {
		c    *atomic.Uint64
		seen uint64
	}
	t.mu.Lock()
	var waits []pending
	for _, c := range t.cores {
		if v := c.Load(); v%2 == 1 {
			waits = append(waits, pending{c: c, seen: v})
		}
	}
	t.mu.Unlock()

	tick := time.NewTicker(epochPollInterval)
	defer tick.Stop()
	for {
		remaining := waits[:0]
		for _, p := range waits {
			if p.c.Load() == p.seen {
				remaining = append(remaining, p)
			}
		}
		waits = remaining
		if len(waits) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
