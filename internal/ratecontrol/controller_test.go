package ratecontrol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newController(cfg Config) *Controller {
	return New(cfg, fixedClock{now: time.Unix(1_700_000_000, 0).UTC()}, zap.NewNop())
}

func adaptiveConfig() Config {
	return Config{
		InitialLimit:  8,
		MaxLimit:      8,
		WindowSize:    10,
		MinSamples:    10,
		AdjustEvery:   10,
		HighBlockRate: 0.2,
		LowBlockRate:  0.05,
		SustainCycles: 2,
		AdditiveStep:  1,
		SlotTimeout:   time.Second,
	}
}

func record(c *Controller, domain string, kind extract.OutcomeKind, n int) {
	for range n {
		c.RecordOutcome(domain, kind)
	}
}

func statusOf(t *testing.T, c *Controller, domain string) extract.DomainStatus {
	t.Helper()
	for _, st := range c.Snapshot() {
		if st.Domain == domain {
			return st
		}
	}
	t.Fatalf("domain %s not tracked", domain)
	return extract.DomainStatus{}
}

func TestAcquireNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 3
	c := newController(cfg)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := c.Acquire(context.Background(), "shop.example")
			if err != nil {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			c.Release(permit)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Equal(t, 0, statusOf(t, c, "shop.example").InFlight)
}

func TestDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 1
	cfg.SlotTimeout = 50 * time.Millisecond
	c := newController(cfg)

	a, err := c.Acquire(context.Background(), "a.example")
	require.NoError(t, err)
	b, err := c.Acquire(context.Background(), "b.example")
	require.NoError(t, err)
	require.Equal(t, "a.example", a.Domain())
	require.Equal(t, "b.example", b.Domain())
}

func TestAcquireTimesOut(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 1
	cfg.SlotTimeout = 30 * time.Millisecond
	c := newController(cfg)

	_, err := c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)

	_, err = c.Acquire(context.Background(), "shop.example")
	require.ErrorIs(t, err, extract.ErrSlotTimeout)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 1
	c := newController(cfg)

	_, err := c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Acquire(ctx, "shop.example")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, extract.ErrSlotTimeout)
}

func TestReleaseWakesWaiter(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 1
	c := newController(cfg)

	first, err := c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), "shop.example")
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Release(first)
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newController(adaptiveConfig())
	p, err := c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)
	_, err = c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)

	c.Release(p)
	c.Release(p)
	require.Equal(t, 1, statusOf(t, c, "shop.example").InFlight)
}

func TestBlockedWindowHalvesDownToOne(t *testing.T) {
	t.Parallel()

	c := newController(adaptiveConfig())
	for _, want := range []int{4, 2, 1, 1} {
		record(c, "shop.example", extract.OutcomeBlocked, 10)
		st := statusOf(t, c, "shop.example")
		require.Equal(t, want, st.TargetLimit)
		require.Equal(t, want, st.Limit)
	}
}

func TestSustainedSuccessIncreasesAdditively(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 1
	cfg.MaxLimit = 3
	c := newController(cfg)

	record(c, "shop.example", extract.OutcomeSuccess, 10)
	require.Equal(t, 1, statusOf(t, c, "shop.example").TargetLimit, "one low window is not sustained")

	record(c, "shop.example", extract.OutcomeSuccess, 10)
	require.Equal(t, 2, statusOf(t, c, "shop.example").TargetLimit)

	record(c, "shop.example", extract.OutcomeSuccess, 40)
	require.Equal(t, 3, statusOf(t, c, "shop.example").TargetLimit, "limit is capped at max")
}

func TestMiddleBandResetsStreak(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 2
	cfg.MaxLimit = 4
	c := newController(cfg)

	record(c, "shop.example", extract.OutcomeSuccess, 10)
	// one block in ten is between the low and high thresholds
	record(c, "shop.example", extract.OutcomeBlocked, 1)
	record(c, "shop.example", extract.OutcomeSuccess, 9)
	record(c, "shop.example", extract.OutcomeSuccess, 10)
	require.Equal(t, 2, statusOf(t, c, "shop.example").TargetLimit)
}

func TestNonBlockFailuresDoNotCountAsBlocks(t *testing.T) {
	t.Parallel()

	c := newController(adaptiveConfig())
	record(c, "shop.example", extract.OutcomeNetworkError, 10)
	record(c, "shop.example", extract.OutcomeParseError, 10)
	require.Equal(t, 8, statusOf(t, c, "shop.example").TargetLimit)
}

func TestTooFewSamplesNeverAdjust(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.AdjustEvery = 1
	c := newController(cfg)

	record(c, "shop.example", extract.OutcomeBlocked, 9)
	require.Equal(t, 8, statusOf(t, c, "shop.example").TargetLimit)
	c.EvaluateAll()
	require.Equal(t, 8, statusOf(t, c, "shop.example").TargetLimit)
}

func TestIdleTicksDoNotRaiseLimit(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 2
	cfg.MaxLimit = 4
	cfg.AdjustEvery = 1000
	c := newController(cfg)

	record(c, "shop.example", extract.OutcomeSuccess, 10)
	c.EvaluateAll()
	for range 5 {
		c.EvaluateAll()
	}
	require.Equal(t, 2, statusOf(t, c, "shop.example").TargetLimit, "idle ticks are not low cycles")

	record(c, "shop.example", extract.OutcomeSuccess, 1)
	c.EvaluateAll()
	require.Equal(t, 3, statusOf(t, c, "shop.example").TargetLimit)
}

func TestDecreaseDrainsInFlight(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.InitialLimit = 4
	cfg.SlotTimeout = 30 * time.Millisecond
	c := newController(cfg)

	permits := make([]extract.Permit, 0, 4)
	for range 4 {
		p, err := c.Acquire(context.Background(), "shop.example")
		require.NoError(t, err)
		permits = append(permits, p)
	}

	record(c, "shop.example", extract.OutcomeBlocked, 10)
	st := statusOf(t, c, "shop.example")
	require.Equal(t, 2, st.TargetLimit)
	require.LessOrEqual(t, st.InFlight, st.Limit)

	c.Release(permits[0])
	_, err := c.Acquire(context.Background(), "shop.example")
	require.ErrorIs(t, err, extract.ErrSlotTimeout, "a released slot above the target is not reissued")

	c.Release(permits[1])
	c.Release(permits[2])
	st = statusOf(t, c, "shop.example")
	require.Equal(t, 2, st.Limit)
	require.Equal(t, 1, st.InFlight)

	_, err = c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)
}

func TestPacerLimitsAdmissionRate(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 1
	cfg.SlotTimeout = 50 * time.Millisecond
	c := newController(cfg)

	p, err := c.Acquire(context.Background(), "shop.example")
	require.NoError(t, err)
	c.Release(p)

	_, err = c.Acquire(context.Background(), "shop.example")
	require.ErrorIs(t, err, extract.ErrSlotTimeout)
	require.Equal(t, 0, statusOf(t, c, "shop.example").InFlight, "failed pacing returns the slot")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := adaptiveConfig()
	cfg.AdjustInterval = 5 * time.Millisecond
	c := newController(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
