// Package memory provides an in-process task queue with lease, retry, and
// dead-letter semantics for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

// Options configures delivery semantics.
type Options struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
	DequeueTimeout    time.Duration
	// PollInterval bounds how long Dequeue sleeps before re-checking leases
	// and delayed tasks.
	PollInterval time.Duration
}

type lease struct {
	task     extract.Task
	deadline time.Time
}

type delayed struct {
	task extract.Task
	due  time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	pending  []extract.Task
	inflight map[string]lease
	delayed  []delayed
	dead     []extract.DeadLetterEntry
	seq      uint64
	wake     chan struct{}

	opts  Options
	clock extract.Clock
}

// NewQueue constructs an empty queue.
func NewQueue(opts Options, clock extract.Clock) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &Queue{
		inflight: make(map[string]lease),
		wake:     make(chan struct{}),
		opts:     opts,
		clock:    clock,
	}
}

// MaxAttempts implements extract.Queue.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// Enqueue appends a task to the pending list.
func (q *Queue) Enqueue(ctx context.Context, task extract.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if task.ID == "" {
		return errors.New("enqueue: task id is required")
	}
	task.Receipt = ""
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, task)
	q.signal()
	return nil
}

// Dequeue leases the oldest visible task, waiting up to DequeueTimeout.
func (q *Queue) Dequeue(ctx context.Context) (extract.Task, error) {
	timeout := time.NewTimer(q.opts.DequeueTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(q.opts.PollInterval)
	defer poll.Stop()

	for {
		q.mu.Lock()
		q.maintainLocked(q.clock.Now())
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending = q.pending[1:]
			q.seq++
			task.Receipt = task.ID + "#" + strconv.FormatUint(q.seq, 10)
			q.inflight[task.Receipt] = lease{task: task, deadline: q.clock.Now().Add(q.opts.VisibilityTimeout)}
			q.mu.Unlock()
			return task, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return extract.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timeout.C:
			return extract.Task{}, extract.ErrQueueEmpty
		case <-wake:
		case <-poll.C:
		}
	}
}

// Ack completes a delivery. Acking an unknown receipt is a no-op, but any
// redelivered copy still waiting in pending is dropped.
func (q *Queue) Ack(_ context.Context, task extract.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, task.Receipt)
	q.pending = slices.DeleteFunc(q.pending, func(t extract.Task) bool { return t.ID == task.ID })
	return nil
}

// Nack returns a failed delivery for retry or dead-letters it.
func (q *Queue) Nack(_ context.Context, task extract.Task, opts extract.NackOptions) (extract.Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.inflight[task.Receipt]
	if !ok {
		return extract.DispositionStale, nil
	}
	delete(q.inflight, task.Receipt)

	next := held.task
	next.Receipt = ""
	if opts.Reason != "" {
		next.LastError = opts.Reason
	}
	if !opts.KeepAttempt {
		next.AttemptCount++
	}
	if opts.Terminal || (!opts.KeepAttempt && next.AttemptCount >= q.opts.MaxAttempts) {
		q.dead = append(q.dead, extract.DeadLetterEntry{
			Task:           next,
			Reason:         opts.Reason,
			DiagnosticURI:  opts.DiagnosticURI,
			DeadLetteredAt: q.clock.Now(),
		})
		return extract.DispositionDeadLettered, nil
	}
	if opts.Delay > 0 {
		q.delayed = append(q.delayed, delayed{task: next, due: q.clock.Now().Add(opts.Delay)})
		return extract.DispositionRequeued, nil
	}
	q.pending = append(q.pending, next)
	q.signal()
	return extract.DispositionRequeued, nil
}

// DeadLetter moves a delivery straight to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, task extract.Task, reason string) error {
	disp, err := q.Nack(ctx, task, extract.NackOptions{Reason: reason, Terminal: true})
	if err != nil {
		return err
	}
	if disp == extract.DispositionStale {
		return fmt.Errorf("dead-letter %s: delivery no longer held", task.ID)
	}
	return nil
}

// Maintain redelivers expired leases and promotes due delayed tasks.
func (q *Queue) Maintain(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maintainLocked(q.clock.Now())
	return nil
}

// maintainLocked must be called with q.mu held.
func (q *Queue) maintainLocked(now time.Time) {
	moved := false
	for receipt, l := range q.inflight {
		if now.Before(l.deadline) {
			continue
		}
		delete(q.inflight, receipt)
		t := l.task
		t.Receipt = ""
		q.pending = append(q.pending, t)
		moved = true
	}
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if now.Before(d.due) {
			kept = append(kept, d)
			continue
		}
		q.pending = append(q.pending, d.task)
		moved = true
	}
	q.delayed = kept
	if moved {
		q.signal()
	}
}

// signal wakes blocked dequeuers. Must be called with q.mu held.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// ListDeadLetters returns up to limit entries, oldest first.
func (q *Queue) ListDeadLetters(_ context.Context, limit int) ([]extract.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	return slices.Clone(q.dead[:n]), nil
}

// Replay moves up to limit dead-lettered tasks back to pending with a fresh
// attempt budget.
func (q *Queue) Replay(_ context.Context, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	for _, entry := range q.dead[:n] {
		t := entry.Task
		t.AttemptCount = 0
		q.pending = append(q.pending, t)
	}
	q.dead = slices.Delete(q.dead, 0, n)
	if n > 0 {
		q.signal()
	}
	return n, nil
}

// Stats counts tasks per area.
func (q *Queue) Stats(_ context.Context) (extract.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return extract.QueueStats{
		Pending:  int64(len(q.pending)),
		InFlight: int64(len(q.inflight)),
		Delayed:  int64(len(q.delayed)),
		Dead:     int64(len(q.dead)),
	}, nil
}

// Ping always succeeds.
func (q *Queue) Ping(context.Context) error { return nil }

// Close is a no-op kept for parity with the Redis backend.
func (q *Queue) Close() error { return nil }
