package service

import (
	"context"
	"sync"
)

// Pool bounds how many item pipelines run at once. Its limit can change while
// workers are active: lowering it never interrupts running work, it only
// delays new acquisitions until enough slots were released.
type Pool struct {
	mu      sync.Mutex
	max     int
	limit   int
	active  int
	changed chan struct{}
}

// NewPool creates a pool with max slots, all available.
func NewPool(max int) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{max: max, limit: max, changed: make(chan struct{})}
}

// Max returns the configured number of slots.
func (p *Pool) Max() int {
	return p.max
}

// SetLimit changes how many slots may be held at once, clamped to [0, max].
func (p *Pool) SetLimit(n int) {
	if n < 0 {
		n = 0
	}
	if n > p.max {
		n = p.max
	}
	p.mu.Lock()
	p.limit = n
	p.broadcast()
	p.mu.Unlock()
}

// Limit returns the current limit.
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Active returns how many slots are held.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Acquire blocks until a slot is free under the current limit or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.active < p.limit {
			p.active++
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Release returns a slot.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.broadcast()
	p.mu.Unlock()
}

// broadcast wakes every waiter. Callers hold p.mu.
func (p *Pool) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}
