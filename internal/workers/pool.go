// Package workers runs background tasks on a bounded pool shared by the
// backup daemon and the async job manager.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/stats"
)

var log = logging.For("workers")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of background work. The context is cancelled only when
// the pool is closed with CloseNow.
type Task func(ctx context.Context)

// Pool runs at most Size tasks at a time. Submit never blocks; excess tasks
// wait for a slot in their own goroutine.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int64
	waitCount atomic.Int64
	waitNanos atomic.Int64
}

// New creates a pool running up to size tasks concurrently.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues task. It returns ErrClosed once Close has been called.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if !p.sem.TryAcquire(1) {
			start := time.Now()
			p.waitCount.Add(1)
			err := p.sem.Acquire(p.ctx, 1)
			p.waitNanos.Add(int64(time.Since(start)))
			if err != nil {
				log.Warn("task dropped: %v", err)
				return
			}
		}
		defer p.sem.Release(1)
		p.active.Add(1)
		defer p.active.Add(-1)
		task(p.ctx)
	}()
	return nil
}

// PoolStats reports running tasks and how often tasks waited for a slot.
func (p *Pool) PoolStats() stats.PoolStats {
	active := int(p.active.Load())
	return stats.PoolStats{
		Name:       "workers",
		MaxConns:   p.size,
		Active:     active,
		Idle:       p.size - active,
		WaitCount:  p.waitCount.Load(),
		WaitTimeMs: time.Duration(p.waitNanos.Load()).Milliseconds(),
	}
}

// Close stops accepting tasks and waits for queued and running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// CloseNow stops accepting tasks, cancels the pool context and waits.
// Tasks still waiting for a slot are dropped.
func (p *Pool) CloseNow() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
