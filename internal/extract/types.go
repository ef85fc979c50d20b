package extract

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Task is a single extraction request carried through the durable queue.
type Task struct {
	ID           string    `json:"id"`
	TargetURL    string    `json:"target_url"`
	Domain       string    `json:"domain"`
	AttemptCount int       `json:"attempt_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	LastError    string    `json:"last_error,omitempty"`

	// Receipt identifies one delivery of the task. Set by the queue on dequeue.
	Receipt string `json:"-"`
}

// NewTask validates rawURL and builds a fresh task keyed by id.
func NewTask(id, rawURL string, now time.Time) (Task, error) {
	if strings.TrimSpace(id) == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	domain, err := DomainOf(rawURL)
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:         id,
		TargetURL:  rawURL,
		Domain:     domain,
		EnqueuedAt: now.UTC(),
	}, nil
}

// DomainOf returns the lowercase hostname of an absolute http(s) URL.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

// OutcomeKind classifies a single fetch attempt.
type OutcomeKind int

// Outcome kinds, ordered from best to worst for the proxy.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeBlocked
	OutcomeNetworkError
	OutcomeParseError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one attempt. Never persisted.
type Outcome struct {
	Kind    OutcomeKind
	Status  int
	Reason  string
	Payload []byte
}

// Success wraps a usable payload.
func Success(status int, payload []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Status: status, Payload: payload}
}

// Blocked reports that the target's defenses rejected the request.
func Blocked(status int, reason string) Outcome {
	return Outcome{Kind: OutcomeBlocked, Status: status, Reason: reason}
}

// NetworkError reports a transport or upstream failure.
func NetworkError(status int, reason string) Outcome {
	return Outcome{Kind: OutcomeNetworkError, Status: status, Reason: reason}
}

// ParseError reports a 2xx payload that could not be used.
func ParseError(status int, reason string) Outcome {
	return Outcome{Kind: OutcomeParseError, Status: status, Reason: reason}
}

// FetchRequest describes one HTTP GET through a proxy.
type FetchRequest struct {
	URL     string
	Domain  string
	Proxy   *url.URL
	Headers map[string]string
}

// FetchResponse captures what came back from the target.
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Truncated  bool
	Duration   time.Duration
}

// ProxyState is the lifecycle state of a proxy.
type ProxyState string

// Proxy states.
const (
	ProxyActive  ProxyState = "active"
	ProxyCooling ProxyState = "cooling"
	ProxyBanned  ProxyState = "banned"
)

// ProxyStatus is a point-in-time view of one proxy.
type ProxyStatus struct {
	Address             string     `json:"address"`
	State               ProxyState `json:"state"`
	HealthScore         int        `json:"health_score"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       time.Time  `json:"cooldown_until,omitempty"`
	InFlight            int        `json:"in_flight"`
	Successes           int64      `json:"successes"`
	Failures            int64      `json:"failures"`
	SuccessRate         float64    `json:"success_rate"`
	LastUsedAt          time.Time  `json:"last_used_at,omitempty"`
}

// DomainStatus is a point-in-time view of one domain's rate state.
type DomainStatus struct {
	Domain           string    `json:"domain"`
	Limit            int       `json:"limit"`
	TargetLimit      int       `json:"target_limit"`
	InFlight         int       `json:"in_flight"`
	BlockRate        float64   `json:"block_rate"`
	Samples          int       `json:"samples"`
	LastAdjustmentAt time.Time `json:"last_adjustment_at,omitempty"`
}

// NormalizedRecord is the canonical record produced from a payload.
type NormalizedRecord struct {
	SourceDomain string         `json:"source_domain"`
	ExternalID   string         `json:"external_id"`
	Fields       map[string]any `json:"fields"`
	VersionHash  string         `json:"version_hash"`
	SourceURL    string         `json:"source_url"`
}

// StoredRecord is a NormalizedRecord as persisted.
type StoredRecord struct {
	NormalizedRecord
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteResult reports what an upsert did.
type WriteResult int

// Write results.
const (
	WriteUnchanged WriteResult = iota
	WriteCreated
	WriteUpdated
)

func (r WriteResult) String() string {
	switch r {
	case WriteCreated:
		return "created"
	case WriteUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Disposition reports where a nacked task went.
type Disposition int

// Nack dispositions.
const (
	DispositionRequeued Disposition = iota
	DispositionDeadLettered
	// DispositionStale means the delivery was no longer held, usually because
	// its lease expired and the task was redelivered elsewhere.
	DispositionStale
)

func (d Disposition) String() string {
	switch d {
	case DispositionRequeued:
		return "requeued"
	case DispositionDeadLettered:
		return "dead_lettered"
	default:
		return "stale"
	}
}

// NackOptions controls how a failed delivery is returned.
type NackOptions struct {
	Reason string
	// Delay defers redelivery.
	Delay time.Duration
	// KeepAttempt requeues without charging an attempt.
	KeepAttempt bool
	// Terminal dead-letters immediately.
	Terminal bool
	// DiagnosticURI is stored on the dead-letter entry if the task lands there.
	DiagnosticURI string
}

// DeadLetterEntry is a task that exhausted its retries.
type DeadLetterEntry struct {
	Task           Task      `json:"task"`
	Reason         string    `json:"reason"`
	DiagnosticURI  string    `json:"diagnostic_uri,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// QueueStats counts tasks per queue area.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Delayed  int64 `json:"delayed"`
	Dead     int64 `json:"dead"`
}

// RecordChangedEvent is published after a record is created or updated.
type RecordChangedEvent struct {
	SourceDomain string    `json:"source_domain"`
	ExternalID   string    `json:"external_id"`
	VersionHash  string    `json:"version_hash"`
	Result       string    `json:"result"`
	SourceURL    string    `json:"source_url"`
	TaskID       string    `json:"task_id"`
	ChangedAt    time.Time `json:"changed_at"`
}

// Attributes returns message attributes for brokers that support them.
func (e RecordChangedEvent) Attributes() map[string]string {
	return map[string]string{
		"source_domain": e.SourceDomain,
		"external_id":   e.ExternalID,
		"result":        e.Result,
	}
}
