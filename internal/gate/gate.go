// Package gate bounds how many transfers run at the same time.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a fixed-capacity admission control. Waiters are granted slots in
// FIFO order.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// Slot is one unit of gate capacity. Release is safe to call more than once;
// only the first call returns capacity to the gate.
type Slot struct {
	gate *Gate
	once sync.Once
}

// New creates a gate. Capacities below one are raised to one.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}

	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}

	g.inUse.Add(1)

	return &Slot{gate: g}, nil
}

// Release returns the slot to its gate.
func (s *Slot) Release() {
	if s == nil {
		return
	}

	s.once.Do(func() {
		s.gate.inUse.Add(-1)
		s.gate.sem.Release(1)
	})
}

// Capacity returns the configured number of slots.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// InUse returns the number of slots currently held.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}
