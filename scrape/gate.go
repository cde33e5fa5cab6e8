package scrape

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission control: at most capacity scrapes run at once.
// Acquire suspends the caller until a slot frees or the context is done.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	active   atomic.Int32
}

// NewGate creates a Gate admitting up to capacity concurrent tasks.
func NewGate(capacity int) *Gate {
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire admits the caller, blocking while the gate is full.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.active.Add(1)
	return nil
}

// Release frees the caller's slot.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Active returns the number of currently admitted tasks.
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Capacity returns the gate's size.
func (g *Gate) Capacity() int {
	return g.capacity
}
