package extract

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Queue is the durable, at-least-once task queue used by workers.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks up to the configured timeout and returns ErrQueueEmpty when nothing arrived.
	Dequeue(ctx context.Context) (Task, error)
	Ack(ctx context.Context, task Task) error
	Nack(ctx context.Context, task Task, opts NackOptions) (Disposition, error)
	DeadLetter(ctx context.Context, task Task, reason string) error
	// MaxAttempts is the number of charged failures after which a task is dead-lettered.
	MaxAttempts() int
}

// DeadLetterStore exposes dead-lettered tasks to operators.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	// Replay moves up to limit dead-lettered tasks back to pending with a fresh attempt budget.
	Replay(ctx context.Context, limit int) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// SeenSet remembers submitted URLs.
type SeenSet interface {
	// MarkSeen records url and reports whether it was new.
	MarkSeen(ctx context.Context, url string) (bool, error)
	Forget(ctx context.Context, url string) error
}

// ProxyLease is one checked-out use of a proxy.
type ProxyLease interface {
	Address() string
	// ProxyURL returns nil for direct connections.
	ProxyURL() *url.URL
}

// ProxyPool hands out healthy proxies and learns from reported outcomes.
type ProxyPool interface {
	Acquire(domain string) (ProxyLease, error)
	Report(lease ProxyLease, kind OutcomeKind)
	// Release returns a lease without affecting health.
	Release(lease ProxyLease)
}

// Permit is one admitted in-flight request slot.
type Permit interface {
	Domain() string
}

// RateLimiter is the adaptive per-domain concurrency gate.
type RateLimiter interface {
	Acquire(ctx context.Context, domain string) (Permit, error)
	Release(permit Permit)
	RecordOutcome(domain string, kind OutcomeKind)
}

// Classifier maps a raw response to an Outcome using the domain's detection rules.
type Classifier interface {
	Classify(domain string, status int, headers http.Header, body []byte) Outcome
}

// Fetcher performs the HTTP request for a task.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Normalizer maps a payload to canonical records.
type Normalizer interface {
	Normalize(task Task, payload []byte) ([]NormalizedRecord, error)
	Headers(domain string) map[string]string
}

// RecordStore writes records idempotently.
type RecordStore interface {
	Upsert(ctx context.Context, record NormalizedRecord) (WriteResult, error)
}

// RecordReader looks records up by key.
type RecordReader interface {
	GetRecord(ctx context.Context, domain, externalID string) (StoredRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
