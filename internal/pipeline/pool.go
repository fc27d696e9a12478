package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/metrics"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// Pool runs batches on a bounded number of workers. Batches are handed out
// through a queue in plan order and every batch produces exactly one
// BatchResult on the results channel.
type Pool struct {
	workers   int
	newWorker func(id int) *Worker
	logger    *zap.Logger
}

// NewPool creates a pool of up to workers workers built by newWorker.
func NewPool(workers int, newWorker func(id int) *Worker, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, newWorker: newWorker, logger: logger}
}

// Run starts converting batches and returns the results channel, which is
// closed once every batch has been accounted for. After ctx is cancelled no
// new batch is started; batches still queued are reported as failed with
// the context error.
func (p *Pool) Run(ctx context.Context, batches []models.Batch) <-chan *BatchResult {
	queue := make(chan models.Batch, len(batches))
	for _, b := range batches {
		queue <- b
	}
	close(queue)
	metrics.QueueDepth.Set(float64(len(batches)))

	results := make(chan *BatchResult, len(batches))
	n := p.workers
	if n > len(batches) {
		n = len(batches)
	}

	p.logger.Info("starting worker pool", zap.Int("workers", n), zap.Int("batches", len(batches)))

	var g errgroup.Group
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		w := p.newWorker(i)
		g.Go(func() error {
			for b := range queue {
				metrics.QueueDepth.Dec()
				if err := ctx.Err(); err != nil {
					results <- &BatchResult{Batch: b, Status: backend.StatusFailed, Err: err}
					continue
				}
				metrics.ActiveWorkers.Inc()
				results <- w.Run(ctx, b)
				metrics.ActiveWorkers.Dec()
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()
	return results
}
