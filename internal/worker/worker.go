// Package worker implements the refill execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/refill"
)

// Refiller executes a refill for one partition.
type Refiller interface {
	Refill(ctx context.Context, partition string) (refill.Result, error)
}

// Worker consumes refill requests and runs them against the controller.
type Worker struct {
	id       int
	queue    frontier.RefillQueue
	refiller Refiller
	clock    frontier.Clock
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue frontier.RefillQueue, refiller Refiller, clock frontier.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		refiller: refiller,
		clock:    clock,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming refill requests until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, frontier.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req frontier.RefillRequest) {
	fields := []zap.Field{
		zap.String("partition", req.Partition),
		zap.Duration("waited", sinceRequest(w.clock, req)),
	}
	w.logger.Debug("dequeued refill", fields...)

	res, err := w.refiller.Refill(ctx, req.Partition)
	if err != nil {
		// The next empty notification or reseed retries the partition.
		w.logger.Warn("refill failed", append(fields, zap.Error(err))...)
		return
	}
	if res.Discarded {
		w.logger.Debug("refill discarded", fields...)
		return
	}
	w.logger.Debug("refill processed",
		append(fields,
			zap.Int("docs", res.Docs),
			zap.Int("added", res.Added),
			zap.Int("already_buffered", res.AlreadyBuffered),
		)...,
	)
}

func sinceRequest(clock frontier.Clock, req frontier.RefillRequest) time.Duration {
	if clock == nil || req.Requested.IsZero() {
		return 0
	}
	return clock.Now().Sub(req.Requested)
}
