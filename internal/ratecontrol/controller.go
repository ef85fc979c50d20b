// Package ratecontrol implements an adaptive per-domain counting semaphore
// whose limit follows the observed block rate.
package ratecontrol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
)

// Config holds controller configuration.
type Config struct {
	InitialLimit int
	MaxLimit     int
	// WindowSize is the number of most recent outcomes in the block-rate window.
	WindowSize int
	// MinSamples is the fewest outcomes an evaluation will act on.
	MinSamples int
	// AdjustEvery triggers an evaluation after this many recorded outcomes.
	AdjustEvery int
	// AdjustInterval triggers an evaluation of every domain on a timer.
	AdjustInterval time.Duration
	HighBlockRate  float64
	LowBlockRate   float64
	// SustainCycles is how many consecutive low evaluations raise the limit.
	SustainCycles int
	AdditiveStep  int
	SlotTimeout   time.Duration
	// RequestsPerSecond optionally paces admissions per domain. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.InitialLimit < 1 {
		c.InitialLimit = 1
	}
	if c.MaxLimit < c.InitialLimit {
		c.MaxLimit = c.InitialLimit
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 1
	}
	if c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize
	}
	if c.AdjustEvery <= 0 {
		c.AdjustEvery = c.MinSamples
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = 10 * time.Second
	}
	if c.SustainCycles <= 0 {
		c.SustainCycles = 1
	}
	if c.AdditiveStep <= 0 {
		c.AdditiveStep = 1
	}
	if c.SlotTimeout <= 0 {
		c.SlotTimeout = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type domainState struct {
	name string

	mu sync.Mutex
	// limit is the admission ceiling; target is the adaptive limit. After a
	// decrease, limit drains down to target as in-flight requests finish so
	// that inFlight never exceeds limit.
	limit     int
	target    int
	inFlight  int
	window    []bool
	next      int
	count     int
	blocked   int
	sinceEval int
	lowStreak int
	adjusted  time.Time
	changed   chan struct{}

	pacer *rate.Limiter
}

// Controller is safe for concurrent use; each domain has its own lock.
type Controller struct {
	mu      sync.RWMutex
	domains map[string]*domainState
	cfg     Config
	clock   extract.Clock
	logger  *zap.Logger
}

// New creates a Controller.
func New(cfg Config, clock extract.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		domains: make(map[string]*domainState),
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger,
	}
}

func (c *Controller) state(domain string) *domainState {
	c.mu.RLock()
	st, ok := c.domains[domain]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.domains[domain]; ok {
		return st
	}
	st = &domainState{
		name:     domain,
		limit:    c.cfg.InitialLimit,
		target:   c.cfg.InitialLimit,
		window:   make([]bool, c.cfg.WindowSize),
		changed:  make(chan struct{}),
		adjusted: c.clock.Now(),
	}
	if c.cfg.RequestsPerSecond > 0 {
		st.pacer = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
	}
	c.domains[domain] = st
	metrics.SetDomainLimit(domain, st.limit)
	return st
}

// Permit is one admitted request slot. Release it exactly once; later calls
// are ignored.
type Permit struct {
	st   *domainState
	done atomic.Bool
}

// Domain returns the domain the permit was issued for.
func (p *Permit) Domain() string { return p.st.name }

// Acquire blocks until the domain has a free slot, ctx ends, or SlotTimeout
// elapses (ErrSlotTimeout).
func (c *Controller) Acquire(ctx context.Context, domain string) (extract.Permit, error) {
	st := c.state(domain)
	start := time.Now()
	deadline := start.Add(c.cfg.SlotTimeout)
	timer := time.NewTimer(c.cfg.SlotTimeout)
	defer timer.Stop()

	for {
		st.mu.Lock()
		if st.inFlight < st.limit {
			st.inFlight++
			metrics.SetDomainInFlight(domain, st.inFlight)
			st.mu.Unlock()
			break
		}
		wait := st.changed
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire slot for %s: %w", domain, ctx.Err())
		case <-timer.C:
			return nil, fmt.Errorf("acquire slot for %s: %w", domain, extract.ErrSlotTimeout)
		case <-wait:
		}
	}

	permit := &Permit{st: st}
	if st.pacer != nil {
		pctx, cancel := context.WithDeadline(ctx, deadline)
		err := st.pacer.Wait(pctx)
		cancel()
		if err != nil {
			c.Release(permit)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire slot for %s: %w", domain, ctx.Err())
			}
			return nil, fmt.Errorf("acquire slot for %s: %w", domain, extract.ErrSlotTimeout)
		}
	}
	metrics.ObserveSlotWait(domain, time.Since(start))
	return permit, nil
}

// Release frees the permit's slot.
func (c *Controller) Release(permit extract.Permit) {
	p, ok := permit.(*Permit)
	if !ok || p == nil {
		c.logger.Warn("ignoring foreign permit", zap.String("type", fmt.Sprintf("%T", permit)))
		return
	}
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	st := p.st
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight--
	if st.limit > st.target {
		st.limit = max(st.target, st.inFlight)
		metrics.SetDomainLimit(st.name, st.limit)
	}
	metrics.SetDomainInFlight(st.name, st.inFlight)
	st.broadcast()
}

// broadcast wakes every waiter. Must be called with st.mu held.
func (st *domainState) broadcast() {
	close(st.changed)
	st.changed = make(chan struct{})
}

// RecordOutcome adds one attempt to the domain's window. Only Blocked counts
// toward the block rate.
func (c *Controller) RecordOutcome(domain string, kind extract.OutcomeKind) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	isBlock := kind == extract.OutcomeBlocked
	if st.count == len(st.window) {
		if st.window[st.next] {
			st.blocked--
		}
	} else {
		st.count++
	}
	st.window[st.next] = isBlock
	if isBlock {
		st.blocked++
	}
	st.next = (st.next + 1) % len(st.window)

	st.sinceEval++
	if st.sinceEval >= c.cfg.AdjustEvery {
		c.evaluate(st)
	}
}

// evaluate must be called with st.mu held.
func (c *Controller) evaluate(st *domainState) {
	st.sinceEval = 0
	if st.count < c.cfg.MinSamples {
		return
	}
	blockRate := float64(st.blocked) / float64(st.count)
	now := c.clock.Now()

	switch {
	case blockRate > c.cfg.HighBlockRate:
		st.lowStreak = 0
		next := max(1, st.target/2)
		if next != st.target {
			c.logger.Warn("decreasing domain concurrency",
				zap.String("domain", st.name),
				zap.Int("from", st.target),
				zap.Int("to", next),
				zap.Float64("block_rate", blockRate),
				zap.Int("samples", st.count),
			)
			st.target = next
			st.limit = max(next, st.inFlight)
			st.adjusted = now
			metrics.ObserveLimitAdjustment(st.name, "decrease")
			metrics.SetDomainLimit(st.name, st.limit)
		}
		st.resetWindow()
	case blockRate < c.cfg.LowBlockRate:
		st.lowStreak++
		if st.lowStreak < c.cfg.SustainCycles || st.target >= c.cfg.MaxLimit {
			return
		}
		next := min(c.cfg.MaxLimit, st.target+c.cfg.AdditiveStep)
		c.logger.Info("increasing domain concurrency",
			zap.String("domain", st.name),
			zap.Int("from", st.target),
			zap.Int("to", next),
			zap.Float64("block_rate", blockRate),
		)
		st.target = next
		if st.limit < next {
			st.limit = next
		}
		st.lowStreak = 0
		st.adjusted = now
		st.resetWindow()
		metrics.ObserveLimitAdjustment(st.name, "increase")
		metrics.SetDomainLimit(st.name, st.limit)
		st.broadcast()
	default:
		st.lowStreak = 0
	}
}

func (st *domainState) resetWindow() {
	clear(st.window)
	st.next = 0
	st.count = 0
	st.blocked = 0
}

// Run re-evaluates every domain each AdjustInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("rate controller stopped: %w", ctx.Err())
		case <-ticker.C:
			c.EvaluateAll()
		}
	}
}

// EvaluateAll runs one evaluation for every domain that recorded an outcome
// since its last evaluation. An idle window is never re-counted.
func (c *Controller) EvaluateAll() {
	c.mu.RLock()
	states := make([]*domainState, 0, len(c.domains))
	for _, st := range c.domains {
		states = append(states, st)
	}
	c.mu.RUnlock()
	for _, st := range states {
		st.mu.Lock()
		if st.sinceEval > 0 {
			c.evaluate(st)
		}
		st.mu.Unlock()
	}
}

// Snapshot returns every domain's rate state, sorted by domain.
func (c *Controller) Snapshot() []extract.DomainStatus {
	c.mu.RLock()
	states := make([]*domainState, 0, len(c.domains))
	for _, st := range c.domains {
		states = append(states, st)
	}
	c.mu.RUnlock()

	out := make([]extract.DomainStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		status := extract.DomainStatus{
			Domain:           st.name,
			Limit:            st.limit,
			TargetLimit:      st.target,
			InFlight:         st.inFlight,
			Samples:          st.count,
			LastAdjustmentAt: st.adjusted,
		}
		if st.count > 0 {
			status.BlockRate = float64(st.blocked) / float64(st.count)
		}
		st.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
