// Package redis implements the durable task queue on Redis lists and sorted
// sets. A delivery is the exact JSON payload moved into the in-flight list, so
// the payload doubles as the receipt.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

// Options configures key names and delivery semantics.
type Options struct {
	// Name prefixes every key. The pending list is Name itself.
	Name              string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	DequeueTimeout    time.Duration
	// MaintenanceInterval is how often Run reaps leases and promotes delayed tasks.
	MaintenanceInterval time.Duration
	// BatchSize caps how many members one maintenance pass moves per area.
	BatchSize int
}

// Queue is safe for concurrent use by many workers and processes.
type Queue struct {
	client redis.UniversalClient
	opts   Options
	clock  extract.Clock
	logger *zap.Logger

	pending  string
	inflight string
	leases   string
	delayed  string
	dead     string
}

// nackScript settles one delivery. It returns 0 when the delivery is no longer
// held, 1 when requeued, and 2 when dead-lettered.
var nackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[2], 1, ARGV[1])
if removed == 0 then
  removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
end
if removed == 0 then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
if ARGV[3] == 'dead' then
  redis.call('RPUSH', KEYS[5], ARGV[2])
  return 2
elseif ARGV[3] == 'delayed' then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
  return 1
end
redis.call('LPUSH', KEYS[1], ARGV[2])
return 1
`)

// reapScript returns expired deliveries to the front of pending.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[3], m)
  if redis.call('LREM', KEYS[2], 1, m) > 0 then
    redis.call('RPUSH', KEYS[1], m)
    moved = moved + 1
  end
end
return moved
`)

// promoteScript moves due delayed tasks to the back of pending.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, m in ipairs(due) do
  if redis.call('ZREM', KEYS[1], m) > 0 then
    redis.call('LPUSH', KEYS[2], m)
    moved = moved + 1
  end
end
return moved
`)

// New wraps an existing client.
func New(client redis.UniversalClient, opts Options, clock extract.Clock, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "harvest:tasks"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Queue{
		client:   client,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		pending:  opts.Name,
		inflight: opts.Name + ":inflight",
		leases:   opts.Name + ":leases",
		delayed:  opts.Name + ":delayed",
		dead:     opts.Name + ":dead",
	}, nil
}

// MaxAttempts implements extract.Queue.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

func (q *Queue) score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func failure(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s canceled: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, extract.ErrQueueUnavailable, err)
}

// Enqueue pushes task onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, task extract.Task) error {
	if task.ID == "" {
		return errors.New("enqueue: task id is required")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return failure("enqueue", err)
	}
	return nil
}

// Dequeue atomically moves the oldest pending task into the in-flight list and
// leases it for VisibilityTimeout.
func (q *Queue) Dequeue(ctx context.Context) (extract.Task, error) {
	payload, err := q.client.BRPopLPush(ctx, q.pending, q.inflight, q.opts.DequeueTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return extract.Task{}, extract.ErrQueueEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return extract.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
		return extract.Task{}, failure("dequeue", err)
	}

	deadline := q.clock.Now().Add(q.opts.VisibilityTimeout)
	// The lease is written with a fresh context so a shutdown between the two
	// commands does not leave the delivery without a deadline.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.client.ZAdd(lctx, q.leases, redis.Z{Score: q.score(deadline), Member: payload}).Err(); err != nil {
		// Maintain adopts in-flight members without a lease.
		q.logger.Warn("failed to lease delivery", zap.Error(err))
	}

	var task extract.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		q.logger.Error("dead-lettering undecodable task", zap.Error(err), zap.Int("bytes", len(payload)))
		entry, _ := json.Marshal(extract.DeadLetterEntry{
			Reason:         "undecodable payload: " + err.Error(),
			DeadLetteredAt: q.clock.Now(),
		})
		if _, nerr := q.settle(lctx, payload, string(entry), "dead", 0); nerr != nil {
			return extract.Task{}, nerr
		}
		return extract.Task{}, extract.ErrQueueEmpty
	}
	task.Receipt = payload
	return task, nil
}

// Ack removes the delivery and any redelivered copy still pending.
func (q *Queue) Ack(ctx context.Context, task extract.Task) error {
	if task.Receipt == "" {
		return fmt.Errorf("ack %s: missing receipt", task.ID)
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.inflight, 1, task.Receipt)
		p.ZRem(ctx, q.leases, task.Receipt)
		p.LRem(ctx, q.pending, 0, task.Receipt)
		return nil
	})
	if err != nil {
		return failure("ack", err)
	}
	return nil
}

// Nack returns a failed delivery for retry or dead-letters it.
func (q *Queue) Nack(ctx context.Context, task extract.Task, opts extract.NackOptions) (extract.Disposition, error) {
	if task.Receipt == "" {
		return extract.DispositionStale, fmt.Errorf("nack %s: missing receipt", task.ID)
	}
	var held extract.Task
	if err := json.Unmarshal([]byte(task.Receipt), &held); err != nil {
		return extract.DispositionStale, fmt.Errorf("decode receipt for %s: %w", task.ID, err)
	}
	if opts.Reason != "" {
		held.LastError = opts.Reason
	}
	if !opts.KeepAttempt {
		held.AttemptCount++
	}

	now := q.clock.Now()
	mode := "pending"
	var due float64
	var next []byte
	var err error
	switch {
	case opts.Terminal || (!opts.KeepAttempt && held.AttemptCount >= q.opts.MaxAttempts):
		mode = "dead"
		next, err = json.Marshal(extract.DeadLetterEntry{
			Task:           held,
			Reason:         opts.Reason,
			DiagnosticURI:  opts.DiagnosticURI,
			DeadLetteredAt: now,
		})
	case opts.Delay > 0:
		mode = "delayed"
		due = q.score(now.Add(opts.Delay))
		next, err = json.Marshal(held)
	default:
		next, err = json.Marshal(held)
	}
	if err != nil {
		return extract.DispositionStale, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return q.settle(ctx, task.Receipt, string(next), mode, due)
}

func (q *Queue) settle(ctx context.Context, receipt, next, mode string, due float64) (extract.Disposition, error) {
	keys := []string{q.pending, q.inflight, q.leases, q.delayed, q.dead}
	res, err := nackScript.Run(ctx, q.client, keys, receipt, next, mode, strconv.FormatFloat(due, 'f', 0, 64)).Int()
	if err != nil {
		return extract.DispositionStale, failure("nack", err)
	}
	switch res {
	case 0:
		return extract.DispositionStale, nil
	case 2:
		return extract.DispositionDeadLettered, nil
	default:
		return extract.DispositionRequeued, nil
	}
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

// Maintain runs one pass: adopt unleased deliveries, reap expired leases, and
// promote due delayed tasks.
func (q *Queue) Maintain(ctx context.Context) error {
	now := q.clock.Now()

	members, err := q.client.LRange(ctx, q.inflight, 0, int64(q.opts.BatchSize)-1).Result()
	if err != nil {
		return failure("scan in-flight", err)
	}
	if len(members) > 0 {
		deadline := q.score(now.Add(q.opts.VisibilityTimeout))
		zs := make([]redis.Z, 0, len(members))
		for _, m := range members {
			zs = append(zs, redis.Z{Score: deadline, Member: m})
		}
		if err := q.client.ZAddNX(ctx, q.leases, zs...).Err(); err != nil {
			return failure("adopt in-flight", err)
		}
	}

	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	reaped, err := reapScript.Run(ctx, q.client, []string{q.pending, q.inflight, q.leases}, cutoff, q.opts.BatchSize).Int()
	if err != nil {
		return failure("reap leases", err)
	}
	promoted, err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.pending}, cutoff, q.opts.BatchSize).Int()
	if err != nil {
		return failure("promote delayed", err)
	}
	if reaped > 0 || promoted > 0 {
		q.logger.Debug("queue maintenance", zap.Int("redelivered", reaped), zap.Int("promoted", promoted))
	}
	return nil
}

// Run calls Maintain every MaintenanceInterval until ctx ends. Backend errors
// are logged and retried on the next tick.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := q.Maintain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("queue maintenance failed", zap.Error(err))
			}
		}
	}
}

// ListDeadLetters returns up to limit entries, oldest first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]extract.DeadLetterEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.client.LRange(ctx, q.dead, 0, stop).Result()
	if err != nil {
		return nil, failure("list dead letters", err)
	}
	out := make([]extract.DeadLetterEntry, 0, len(raw))
	for _, r := range raw {
		var entry extract.DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			q.logger.Warn("skipping undecodable dead letter", zap.Error(err))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Replay moves up to limit dead-lettered tasks back to pending with a fresh
// attempt budget. limit <= 0 replays everything.
func (q *Queue) Replay(ctx context.Context, limit int) (int, error) {
	replayed := 0
	for limit <= 0 || replayed < limit {
		moved, err := q.replayOne(ctx)
		if err != nil {
			return replayed, err
		}
		if !moved {
			break
		}
		replayed++
	}
	return replayed, nil
}

func (q *Queue) replayOne(ctx context.Context) (bool, error) {
	moved := false
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LIndex(ctx, q.dead, 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var entry extract.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Task.ID == "" {
			q.logger.Warn("dropping undecodable dead letter during replay")
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LPop(ctx, q.dead)
				return nil
			})
			return err
		}
		task := entry.Task
		task.AttemptCount = 0
		task.Receipt = ""
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPop(ctx, q.dead)
			p.LPush(ctx, q.pending, payload)
			return nil
		})
		if err == nil {
			moved = true
		}
		return err
	}, q.dead)
	if err != nil {
		return false, failure("replay", err)
	}
	return moved, nil
}

// Stats counts tasks per area.
func (q *Queue) Stats(ctx context.Context) (extract.QueueStats, error) {
	var pending, inflight, delayed, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, q.pending)
		inflight = p.LLen(ctx, q.inflight)
		delayed = p.ZCard(ctx, q.delayed)
		dead = p.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return extract.QueueStats{}, failure("stats", err)
	}
	return extract.QueueStats{
		Pending:  pending.Val(),
		InFlight: inflight.Val(),
		Delayed:  delayed.Val(),
		Dead:     dead.Val(),
	}, nil
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return failure("ping", err)
	}
	return nil
}

// Close releases the client.
func (q *Queue) Close() error {
	return q.client.Close()
}
