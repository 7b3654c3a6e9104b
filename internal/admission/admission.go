// Package admission bounds how many sessions may be served at once.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrInvalidCapacity = errors.New("admission: capacity must be at least 1")

// Controller is a counting permit pool.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func New(capacity int) (*Controller, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// Permit is held for the lifetime of one session. Release is idempotent, so
// a deferred Release on every exit path returns capacity exactly once.
type Permit struct {
	c    *Controller
	once sync.Once
}

// Acquire blocks until a permit is free or ctx is done.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.inUse.Add(1)
	return &Permit{c: c}, nil
}

// TryAcquire returns nil when no permit is immediately available.
func (c *Controller) TryAcquire() *Permit {
	if !c.sem.TryAcquire(1) {
		return nil
	}
	c.inUse.Add(1)
	return &Permit{c: c}
}

func (p *Permit) Release() {
	p.once.Do(func() {
		p.c.inUse.Add(-1)
		p.c.sem.Release(1)
	})
}

func (c *Controller) Capacity() int {
	return int(c.capacity)
}

func (c *Controller) InUse() int {
	return int(c.inUse.Load())
}
