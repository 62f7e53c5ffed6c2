// Package dispatcher manages worker fan-out over the refill queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/worker"
)

// Queue is the refill queue the dispatcher can also submit to directly.
type Queue interface {
	frontier.RefillQueue
	Enqueue(ctx context.Context, req frontier.RefillRequest) error
}

// Dispatcher fans out refill requests to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool builds a Dispatcher with n workers sharing refiller.
func NewPool(n int, queue Queue, refiller worker.Refiller, clock frontier.Clock, logger *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(i, queue, refiller, clock, logger.Named("worker")))
	}
	return New(queue, workers)
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until they exit, which happens when the
// context finishes or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Submit queues a refill for partition, waiting for room when the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, req frontier.RefillRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
