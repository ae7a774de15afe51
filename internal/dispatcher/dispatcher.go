// Package dispatcher fans pending units out to a bounded worker pool.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Processor handles a single unit of work. It must absorb all recoverable
// conditions internally; the dispatcher treats every completion uniformly.
type Processor interface {
	Process(ctx context.Context, id string)
}

// Dispatcher runs at most Workers units concurrently until the pending set
// drains or the context ends.
type Dispatcher struct {
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher with the given pool size.
func New(workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}
}

// Run blocks until every unit has been processed or ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, units []string, proc Processor) {
	ch := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for id := range ch {
				proc.Process(ctx, id)
			}
		}(i)
	}

	d.logger.Info("dispatch started",
		zap.Int("workers", d.workers),
		zap.Int("pending", len(units)),
	)

feed:
	for _, id := range units {
		select {
		case <-ctx.Done():
			break feed
		case ch <- id:
		}
	}
	close(ch)
	wg.Wait()
	d.logger.Info("dispatch complete")
}
