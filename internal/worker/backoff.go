package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// Backoff produces jittered exponential delays. Not safe for concurrent use;
// each worker owns its own.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff builds a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the current streak and advances it.
func (b *Backoff) Next() time.Duration {
	d := delayFor(b.base, b.max, b.attempt)
	b.attempt++
	return d
}

// Reset starts a new streak.
func (b *Backoff) Reset() { b.attempt = 0 }

// delayFor returns a delay in [d/2, d) where d = base*2^attempt capped at max.
func delayFor(base, max time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// transportReason names a fetch error for logs and dead-letter entries.
func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "transport:" + opErr.Op
	}
	return "transport"
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
