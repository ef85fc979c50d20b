// Package worker runs the per-task extraction loop: dequeue, proxy checkout,
// rate slot, fetch, classify, normalize, write, and settle.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	RequestTimeout time.Duration
	// WriteTimeout bounds the upsert plus the settle call to the queue.
	WriteTimeout      time.Duration
	NoProxyBackoff    time.Duration
	NoProxyBackoffMax time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// SampleBytes caps the diagnostic payload archived for dead letters.
	SampleBytes      int
	DiagnosticPrefix string
	// Topic receives record-change events. Empty disables publishing.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.NoProxyBackoff <= 0 {
		c.NoProxyBackoff = 500 * time.Millisecond
	}
	if c.NoProxyBackoffMax <= 0 {
		c.NoProxyBackoffMax = 10 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.SampleBytes <= 0 {
		c.SampleBytes = 4096
	}
	if c.DiagnosticPrefix == "" {
		c.DiagnosticPrefix = "diagnostics"
	}
	return c
}

// Deps are the collaborators a Worker drives. Blobs and Publisher are optional.
type Deps struct {
	Queue      extract.Queue
	Proxies    extract.ProxyPool
	Limiter    extract.RateLimiter
	Fetcher    extract.Fetcher
	Classifier extract.Classifier
	Normalizer extract.Normalizer
	Records    extract.RecordStore
	Blobs      extract.BlobStore
	Publisher  extract.Publisher
	Clock      extract.Clock
	// Tracer defaults to the global provider's worker tracer.
	Tracer trace.Tracer
}

func (d Deps) validate() error {
	switch {
	case d.Queue == nil:
		return errors.New("queue is required")
	case d.Proxies == nil:
		return errors.New("proxy pool is required")
	case d.Limiter == nil:
		return errors.New("rate limiter is required")
	case d.Fetcher == nil:
		return errors.New("fetcher is required")
	case d.Classifier == nil:
		return errors.New("classifier is required")
	case d.Normalizer == nil:
		return errors.New("normalizer is required")
	case d.Records == nil:
		return errors.New("record store is required")
	case d.Clock == nil:
		return errors.New("clock is required")
	}
	return nil
}

// Worker consumes tasks one at a time. Run several for parallelism; they share
// state only through the proxy pool and rate limiter.
type Worker struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	noProxy *Backoff
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/realtime-cpi-harvester/internal/worker")
	}
	return &Worker{
		deps:    deps,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		noProxy: NewBackoff(cfg.NoProxyBackoff, cfg.NoProxyBackoffMax),
	}, nil
}

// Run processes tasks until ctx is done, returning nil. It returns an error
// wrapping extract.ErrQueueUnavailable when the queue backend fails.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for ctx.Err() == nil {
		task, err := w.deps.Queue.Dequeue(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, extract.ErrQueueEmpty):
			continue
		case errors.Is(err, extract.ErrQueueUnavailable):
			return err
		default:
			w.logger.Error("dequeue failed", zap.Error(err))
			sleep(ctx, w.cfg.NoProxyBackoff)
			continue
		}
		sleep(ctx, w.Process(ctx, task))
	}
	return nil
}

// attempt carries the per-attempt facts logged on completion.
type attempt struct {
	task        extract.Task
	start       time.Time
	proxy       string
	fetched     bool
	outcome     extract.Outcome
	disposition string
	records     int
	err         error
}

// Process runs one delivery through the pipeline and settles it. The returned
// duration is how long the caller should pause before dequeuing again.
func (w *Worker) Process(ctx context.Context, task extract.Task) time.Duration {
	a := &attempt{task: task, start: w.deps.Clock.Now()}
	defer w.logAttempt(a)

	ctx, span := w.deps.Tracer.Start(ctx, "harvester.task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.domain", task.Domain),
			attribute.Int("task.attempt", task.AttemptCount+1),
		),
	)
	defer endSpan(span, a)

	lease, err := w.deps.Proxies.Acquire(task.Domain)
	if err != nil {
		delay := w.noProxy.Next()
		a.err = err
		a.disposition = w.requeue(ctx, task, extract.NackOptions{
			Reason:      err.Error(),
			Delay:       delay,
			KeepAttempt: true,
		})
		return delay
	}
	w.noProxy.Reset()
	a.proxy = lease.Address()

	permit, err := w.deps.Limiter.Acquire(ctx, task.Domain)
	if err != nil {
		w.deps.Proxies.Release(lease)
		a.err = err
		a.disposition = w.requeue(ctx, task, extract.NackOptions{Reason: err.Error(), KeepAttempt: true})
		return 0
	}
	defer w.deps.Limiter.Release(permit)

	outcome, resp, records := w.fetch(ctx, task, lease)
	if ctx.Err() != nil && outcome.Kind != extract.OutcomeSuccess {
		// Shutdown interrupted the attempt; it says nothing about the proxy.
		w.deps.Proxies.Release(lease)
		a.err = ctx.Err()
		a.disposition = w.requeue(ctx, task, extract.NackOptions{Reason: "shutdown", KeepAttempt: true})
		return 0
	}
	a.fetched = true
	a.outcome = outcome
	a.records = len(records)

	w.deps.Proxies.Report(lease, outcome.Kind)
	w.deps.Limiter.RecordOutcome(task.Domain, outcome.Kind)
	metrics.ObserveAttempt(task.Domain, outcome.Kind.String(), len(resp.Body))

	if outcome.Kind == extract.OutcomeSuccess {
		a.disposition, a.err = w.commit(ctx, task, records)
		return 0
	}
	a.disposition, a.err = w.retry(ctx, task, outcome, resp)
	return 0
}

func (w *Worker) fetch(
	ctx context.Context,
	task extract.Task,
	lease extract.ProxyLease,
) (extract.Outcome, extract.FetchResponse, []extract.NormalizedRecord) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	resp, err := w.deps.Fetcher.Fetch(fetchCtx, extract.FetchRequest{
		URL:     task.TargetURL,
		Domain:  task.Domain,
		Proxy:   lease.ProxyURL(),
		Headers: w.deps.Normalizer.Headers(task.Domain),
	})
	if err != nil {
		return extract.NetworkError(0, transportReason(err)), resp, nil
	}

	outcome := w.deps.Classifier.Classify(task.Domain, resp.StatusCode, resp.Headers, resp.Body)
	if outcome.Kind != extract.OutcomeSuccess {
		return outcome, resp, nil
	}
	records, err := w.deps.Normalizer.Normalize(task, outcome.Payload)
	if err != nil {
		w.logger.Debug("normalize failed", zap.String("task_id", task.ID), zap.Error(err))
		reason := "normalize_failed"
		if resp.Truncated {
			reason = "normalize_failed_truncated"
		}
		return extract.ParseError(resp.StatusCode, reason), resp, nil
	}
	return outcome, resp, records
}

// commit writes every record and acks. A write failure is charged as an attempt.
func (w *Worker) commit(ctx context.Context, task extract.Task, records []extract.NormalizedRecord) (string, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	for _, rec := range records {
		result, err := w.deps.Records.Upsert(writeCtx, rec)
		if err != nil {
			err = fmt.Errorf("write %s/%s: %w", rec.SourceDomain, rec.ExternalID, err)
			disp := w.requeue(ctx, task, extract.NackOptions{
				Reason: "write_failed",
				Delay:  delayFor(w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay, task.AttemptCount),
			})
			return disp, err
		}
		metrics.ObserveRecordWrite(rec.SourceDomain, result.String())
		if result != extract.WriteUnchanged {
			w.publishChange(writeCtx, task, rec, result)
		}
	}

	if err := w.deps.Queue.Ack(writeCtx, task); err != nil {
		metrics.ObserveTask("ack_failed")
		return "ack_failed", fmt.Errorf("ack %s: %w", task.ID, err)
	}
	metrics.ObserveTask("acked")
	return "acked", nil
}

func (w *Worker) publishChange(ctx context.Context, task extract.Task, rec extract.NormalizedRecord, result extract.WriteResult) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := extract.RecordChangedEvent{
		SourceDomain: rec.SourceDomain,
		ExternalID:   rec.ExternalID,
		VersionHash:  rec.VersionHash,
		Result:       result.String(),
		SourceURL:    rec.SourceURL,
		TaskID:       task.ID,
		ChangedAt:    w.deps.Clock.Now().UTC(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish record change failed",
			zap.String("task_id", task.ID),
			zap.String("external_id", rec.ExternalID),
			zap.Error(err),
		)
	}
}

// retry nacks a failed attempt. When this nack will exhaust the task, the body
// sample is archived first so the dead-letter entry can point at it.
func (w *Worker) retry(ctx context.Context, task extract.Task, outcome extract.Outcome, resp extract.FetchResponse) (string, error) {
	opts := extract.NackOptions{
		Reason: outcome.Kind.String(),
		Delay:  delayFor(w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay, task.AttemptCount),
	}
	if outcome.Reason != "" {
		opts.Reason += ":" + outcome.Reason
	}

	var archiveErr error
	if task.AttemptCount+1 >= w.deps.Queue.MaxAttempts() {
		opts.DiagnosticURI, archiveErr = w.archive(ctx, task, resp)
		if archiveErr != nil {
			w.logger.Warn("archive diagnostic payload failed", zap.String("task_id", task.ID), zap.Error(archiveErr))
		}
	}
	return w.requeue(ctx, task, opts), nil
}

func (w *Worker) archive(ctx context.Context, task extract.Task, resp extract.FetchResponse) (string, error) {
	if w.deps.Blobs == nil || len(resp.Body) == 0 {
		return "", nil
	}
	sample := resp.Body
	if len(sample) > w.cfg.SampleBytes {
		sample = sample[:w.cfg.SampleBytes]
	}
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := fmt.Sprintf("%s-%d%s", task.ID, task.AttemptCount+1, extensionFor(contentType))
	blobPath := path.Join(strings.Trim(w.cfg.DiagnosticPrefix, "/"), task.Domain, name)

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()
	uri, err := w.deps.Blobs.PutObject(putCtx, blobPath, contentType, bytes.NewReader(sample))
	if err != nil {
		return "", fmt.Errorf("put diagnostic %s: %w", blobPath, err)
	}
	return uri, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "application/json":
		return ".json"
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

// requeue nacks with a context that survives shutdown, so an interrupted
// worker still hands its delivery back.
func (w *Worker) requeue(ctx context.Context, task extract.Task, opts extract.NackOptions) string {
	nackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	disp, err := w.deps.Queue.Nack(nackCtx, task, opts)
	if err != nil {
		// The lease will expire and the task will be redelivered.
		w.logger.Error("nack failed", zap.String("task_id", task.ID), zap.Error(err))
		metrics.ObserveTask("nack_failed")
		return "nack_failed"
	}
	metrics.ObserveTask(disp.String())
	if disp == extract.DispositionDeadLettered {
		w.logger.Warn("task dead-lettered",
			zap.String("task_id", task.ID),
			zap.String("domain", task.Domain),
			zap.String("reason", opts.Reason),
			zap.String("diagnostic_uri", opts.DiagnosticURI),
		)
	}
	return disp.String()
}

func endSpan(span trace.Span, a *attempt) {
	span.SetAttributes(
		attribute.String("proxy", a.proxy),
		attribute.String("disposition", a.disposition),
	)
	if a.fetched {
		span.SetAttributes(
			attribute.String("outcome", a.outcome.Kind.String()),
			attribute.Int("http.response.status_code", a.outcome.Status),
		)
	}
	if a.err != nil {
		span.RecordError(a.err)
		span.SetStatus(codes.Error, a.err.Error())
	}
	span.End()
}

func (w *Worker) logAttempt(a *attempt) {
	fields := []zap.Field{
		zap.String("task_id", a.task.ID),
		zap.String("domain", a.task.Domain),
		zap.String("proxy", a.proxy),
		zap.Int("attempt", a.task.AttemptCount+1),
		zap.String("disposition", a.disposition),
		zap.Duration("duration", w.deps.Clock.Now().Sub(a.start)),
	}
	if a.fetched {
		fields = append(fields,
			zap.String("outcome", a.outcome.Kind.String()),
			zap.Int("status", a.outcome.Status),
		)
		if a.outcome.Reason != "" {
			fields = append(fields, zap.String("reason", a.outcome.Reason))
		}
	}
	if a.records > 0 {
		fields = append(fields, zap.Int("records", a.records))
	}
	if a.err != nil {
		fields = append(fields, zap.Error(a.err))
		w.logger.Warn("task attempt", fields...)
		return
	}
	w.logger.Info("task attempt", fields...)
}
