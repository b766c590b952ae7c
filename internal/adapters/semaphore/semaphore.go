// Package semaphore is the admission controller capping simultaneous node
// invocations in one worker, independent of level width.
package semaphore

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

func New(maxConcurrent int) *Admission {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: int64(maxConcurrent),
	}
}

// Acquire blocks until a slot frees or ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.inFlight.Add(1)
	return nil
}

func (a *Admission) Release() {
	a.inFlight.Add(-1)
	a.sem.Release(1)
}

func (a *Admission) InFlight() int64 {
	return a.inFlight.Load()
}

func (a *Admission) Capacity() int64 {
	return a.capacity
}
