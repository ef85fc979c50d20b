// Package dispatcher runs the worker pool and its background services, and
// submits new tasks to the queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
)

// Runner is anything that runs until its context ends. Workers, the rate
// controller's evaluation loop, and queue maintenance all qualify.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	queue      extract.Queue
	ids        extract.IDGenerator
	clock      extract.Clock
	workers    []Runner
	background []Runner
	seen       extract.SeenSet
	logger     *zap.Logger
}

// New creates a Dispatcher. Background runners stop when ctx is cancelled or
// any runner fails.
func New(
	queue extract.Queue,
	ids extract.IDGenerator,
	clock extract.Clock,
	workers []Runner,
	background []Runner,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:      queue,
		ids:        ids,
		clock:      clock,
		workers:    workers,
		background: background,
		logger:     logging.OrNop(logger),
	}
}

// DedupeWith makes Submit reject URLs already marked in seen with
// extract.ErrDuplicate. Call it before Run or Submit.
func (d *Dispatcher) DedupeWith(seen extract.SeenSet) *Dispatcher {
	d.seen = seen
	return d
}

// Run starts every worker and background runner and blocks until ctx ends or
// one of them fails. The first failure cancels the rest and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return errors.New("dispatcher has no workers")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	for _, r := range d.background {
		g.Go(func() error { return r.Run(gctx) })
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", len(d.workers)),
		zap.Int("background", len(d.background)),
	)
	err := g.Wait()
	if err != nil {
		d.logger.Error("dispatcher stopped", zap.Error(err))
		return err
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// Submit creates a task for rawURL and enqueues it. A URL that fails to
// enqueue is forgotten so it can be submitted again.
func (d *Dispatcher) Submit(ctx context.Context, rawURL string) (extract.Task, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return extract.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task, err := extract.NewTask(id, rawURL, d.clock.Now())
	if err != nil {
		return extract.Task{}, err
	}
	if d.seen != nil {
		fresh, err := d.seen.MarkSeen(ctx, task.TargetURL)
		if err != nil {
			return extract.Task{}, fmt.Errorf("seen set: %w", err)
		}
		if !fresh {
			return extract.Task{}, fmt.Errorf("%s: %w", task.TargetURL, extract.ErrDuplicate)
		}
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		if d.seen != nil {
			if ferr := d.seen.Forget(ctx, task.TargetURL); ferr != nil {
				d.logger.Warn("forget seen url failed", zap.String("url", task.TargetURL), zap.Error(ferr))
			}
		}
		return extract.Task{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return task, nil
}
