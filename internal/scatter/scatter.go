// Package scatter provides a bounded worker pool shared across queries and a
// scatter-gather join tolerant of partial results. Retrieval fan-out, tool
// evaluation, and ranking all run through it, so one query's fan-out cannot
// starve the others.
package scatter

import (
	"context"
	"sync"
)

// Pool bounds the number of external calls in flight process-wide. Admission
// control is a buffered channel acting as a counting semaphore; a full pool
// queues callers instead of rejecting them.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given number of workers. Size must be >= 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// acquire blocks until a worker slot is free or ctx is done.
func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() { <-p.slots }

// Outcome is the result of one scattered task. Index is the task's position
// in submission order, so callers can reassemble deterministic output
// regardless of completion order.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Gather runs n tasks on the pool and waits until every task has completed or
// ctx is done, whichever comes first. Tasks that never ran because the
// deadline hit first report ctx.Err(). The returned slice is ordered by task
// index, never by completion order.
func Gather[T any](ctx context.Context, p *Pool, n int, task func(ctx context.Context, i int) (T, error)) []Outcome[T] {
	return GatherLimit(ctx, p, n, n, task)
}

// GatherLimit is Gather with at most maxInFlight of this call's tasks running
// concurrently, on top of the pool-wide bound. Ranking uses it to avoid
// overwhelming the evaluation backend.
func GatherLimit[T any](ctx context.Context, p *Pool, n, maxInFlight int, task func(ctx context.Context, i int) (T, error)) []Outcome[T] {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	out := make([]Outcome[T], n)
	local := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		out[i].Index = i

		select {
		case local <- struct{}{}:
		case <-ctx.Done():
			out[i].Err = ctx.Err()
			continue
		}
		if err := p.acquire(ctx); err != nil {
			<-local
			out[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer p.release()
			defer func() { <-local }()
			out[i].Value, out[i].Err = task(ctx, i)
		}(i)
	}
	wg.Wait()
	return out
}
