// Package workerpool runs queued tasks on a fixed set of goroutines.
//
// The queue is unbounded, so Enqueue never blocks. Shutdown stops intake but
// lets workers drain everything already queued before they exit.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of work. A returned error is logged by the pool.
type Task func() error

// Pool is a fixed-size worker pool.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	stopping bool

	size   int
	active atomic.Int32
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New starts size workers.
func New(size int, logger zerolog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConfig, size)
	}

	p := &Pool{
		size:   size,
		logger: logger.With().Str("component", "workerpool").Logger(),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}

	p.logger.Info().Int("workers", size).Msg("worker pool started")
	return p, nil
}

// Enqueue adds a task to the queue and wakes one idle worker.
func (p *Pool) Enqueue(task Task) error {
	if task == nil {
		return ErrInvalidTask
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// stopping with nothing left to drain
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("recovered from panic in task")
		}
	}()

	if err := task(); err != nil {
		p.logger.Error().Int("worker", id).Err(err).Msg("task failed")
	}
}

// Shutdown stops accepting tasks, wakes every worker and waits for them to
// drain the queue. It returns context.DeadlineExceeded if the workers are
// still busy when timeout elapses.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.stopping = true
	pending := len(p.queue)
	p.mu.Unlock()
	p.cond.Broadcast()

	p.logger.Info().Int("pending", pending).Msg("shutting down worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("all workers terminated")
		return nil
	case <-time.After(timeout):
		p.logger.Warn().Int32("active", p.active.Load()).Msg("worker pool shutdown timed out")
		return context.DeadlineExceeded
	}
}

// ActiveCount returns the number of workers currently running a task.
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// QueueLen returns the number of tasks waiting for a worker.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
