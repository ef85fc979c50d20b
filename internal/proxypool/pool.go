// Package proxypool tracks proxy health and hands out the healthiest proxy
// with spare capacity.
package proxypool

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
)

const maxHealth = 100

// Config controls selection capacity and the health policy.
type Config struct {
	MaxConcurrent    int
	FailureThreshold int
	HealthFloor      int
	InitialHealth    int
	SuccessReward    int
	BlockPenalty     int
	NetworkPenalty   int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.HealthFloor <= 0 {
		c.HealthFloor = 50
	}
	if c.InitialHealth <= 0 || c.InitialHealth > maxHealth {
		c.InitialHealth = maxHealth
	}
	if c.SuccessReward <= 0 {
		c.SuccessReward = 2
	}
	if c.BlockPenalty <= 0 {
		c.BlockPenalty = 10
	}
	if c.NetworkPenalty <= 0 {
		c.NetworkPenalty = 3
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 30 * time.Second
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = c.BaseCooldown
	}
	return c
}

type proxy struct {
	endpoint Endpoint
	inFlight atomic.Int32

	mu            sync.Mutex
	health        int
	consecutive   int
	state         extract.ProxyState
	cooldownUntil time.Time
	lastUsed      time.Time
	successes     int64
	failures      int64
}

// Pool is safe for concurrent use. Each proxy carries its own lock; there is
// no pool-wide lock on the acquire or report paths.
type Pool struct {
	proxies []*proxy
	cfg     Config
	clock   extract.Clock
	logger  *zap.Logger
}

// New seeds a pool from endpoints.
func New(endpoints []Endpoint, cfg Config, clock extract.Clock, logger *zap.Logger) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one proxy endpoint is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{cfg: cfg, clock: clock, logger: logger}
	for _, ep := range endpoints {
		px := &proxy{endpoint: ep, health: cfg.InitialHealth, state: extract.ProxyActive}
		p.proxies = append(p.proxies, px)
		metrics.SetProxy(ep.Address, string(px.state), px.health)
	}
	return p, nil
}

// Lease is one checked-out use of a proxy. Report or Release it exactly once;
// later calls are ignored.
type Lease struct {
	proxy  *proxy
	domain string
	done   atomic.Bool
}

// Address returns the proxy host:port.
func (l *Lease) Address() string { return l.proxy.endpoint.Address }

// ProxyURL returns the proxy URL with credentials, or nil for direct.
func (l *Lease) ProxyURL() *url.URL { return l.proxy.endpoint.URL }

type candidate struct {
	p        *proxy
	health   int
	lastUsed time.Time
}

// Acquire picks the Active proxy with the highest health that is under its
// concurrency cap; ties go to the least recently used. The domain is carried
// on the lease for logging.
func (p *Pool) Acquire(domain string) (extract.ProxyLease, error) {
	for range len(p.proxies) + 1 {
		now := p.clock.Now()
		best, ok := p.pick(now)
		if !ok {
			return nil, extract.ErrNoHealthyProxy
		}
		if p.reserve(best, now) {
			return &Lease{proxy: best, domain: domain}, nil
		}
	}
	return nil, extract.ErrNoHealthyProxy
}

func (p *Pool) pick(now time.Time) (*proxy, bool) {
	var best candidate
	found := false
	for _, px := range p.proxies {
		if int(px.inFlight.Load()) >= p.cfg.MaxConcurrent {
			continue
		}
		px.mu.Lock()
		p.expireCooldown(px, now)
		c := candidate{p: px, health: px.health, lastUsed: px.lastUsed}
		active := px.state == extract.ProxyActive
		px.mu.Unlock()
		if !active {
			continue
		}
		if !found || c.health > best.health || (c.health == best.health && c.lastUsed.Before(best.lastUsed)) {
			best = c
			found = true
		}
	}
	return best.p, found
}

// reserve re-checks the candidate under its lock since another worker may
// have taken the last slot or cooled it since pick.
func (p *Pool) reserve(px *proxy, now time.Time) bool {
	px.mu.Lock()
	defer px.mu.Unlock()
	if px.state != extract.ProxyActive {
		return false
	}
	if int(px.inFlight.Load()) >= p.cfg.MaxConcurrent {
		return false
	}
	px.inFlight.Add(1)
	px.lastUsed = now
	return true
}

// expireCooldown must be called with px.mu held.
func (p *Pool) expireCooldown(px *proxy, now time.Time) {
	if px.state == extract.ProxyActive || now.Before(px.cooldownUntil) {
		return
	}
	px.state = extract.ProxyActive
	if px.health < p.cfg.HealthFloor {
		px.health = p.cfg.HealthFloor
	}
	p.logger.Info("proxy cooldown expired",
		zap.String("proxy", px.endpoint.Address),
		zap.Int("health", px.health),
		zap.Int("consecutive_failures", px.consecutive),
	)
	metrics.SetProxy(px.endpoint.Address, string(px.state), px.health)
}

// Report applies the outcome of the attempt made with lease.
func (p *Pool) Report(lease extract.ProxyLease, kind extract.OutcomeKind) {
	l, ok := p.settle(lease)
	if !ok {
		return
	}
	px := l.proxy
	now := p.clock.Now()

	px.mu.Lock()
	defer px.mu.Unlock()

	switch kind {
	case extract.OutcomeSuccess:
		px.successes++
		px.consecutive = 0
		px.health = min(maxHealth, px.health+p.cfg.SuccessReward)
	case extract.OutcomeBlocked:
		px.failures++
		px.consecutive++
		p.penalize(px, p.cfg.BlockPenalty*px.consecutive, now, l.domain, kind)
	case extract.OutcomeNetworkError:
		px.failures++
		px.consecutive++
		p.penalize(px, p.cfg.NetworkPenalty, now, l.domain, kind)
	case extract.OutcomeParseError:
		// The proxy delivered a response; the payload problem is upstream.
	}
	metrics.SetProxy(px.endpoint.Address, string(px.state), px.health)
}

// Release returns lease without changing health.
func (p *Pool) Release(lease extract.ProxyLease) {
	p.settle(lease)
}

func (p *Pool) settle(lease extract.ProxyLease) (*Lease, bool) {
	l, ok := lease.(*Lease)
	if !ok || l == nil {
		p.logger.Warn("ignoring foreign proxy lease", zap.String("type", fmt.Sprintf("%T", lease)))
		return nil, false
	}
	if !l.done.CompareAndSwap(false, true) {
		return nil, false
	}
	l.proxy.inFlight.Add(-1)
	return l, true
}

// penalize must be called with px.mu held.
func (p *Pool) penalize(px *proxy, penalty int, now time.Time, domain string, kind extract.OutcomeKind) {
	px.health = max(0, px.health-penalty)

	var next extract.ProxyState
	var until time.Time
	switch {
	case px.health == 0:
		next = extract.ProxyBanned
		until = now.Add(p.cfg.MaxCooldown)
	case px.consecutive >= p.cfg.FailureThreshold || px.health < p.cfg.HealthFloor:
		next = extract.ProxyCooling
		until = now.Add(p.backoff(px.consecutive))
	default:
		return
	}

	wasActive := px.state == extract.ProxyActive
	if next == extract.ProxyBanned || px.state != extract.ProxyBanned {
		px.state = next
	}
	if until.After(px.cooldownUntil) {
		px.cooldownUntil = until
	}
	if wasActive {
		metrics.ObserveProxyCooldown(px.endpoint.Address)
	}
	p.logger.Warn("proxy cooling down",
		zap.String("proxy", px.endpoint.Address),
		zap.String("domain", domain),
		zap.String("outcome", kind.String()),
		zap.String("state", string(px.state)),
		zap.Int("health", px.health),
		zap.Int("consecutive_failures", px.consecutive),
		zap.Time("cooldown_until", px.cooldownUntil),
	)
}

// backoff doubles BaseCooldown for each failure past the threshold, capped at MaxCooldown.
func (p *Pool) backoff(consecutive int) time.Duration {
	d := p.cfg.BaseCooldown
	for i := p.cfg.FailureThreshold; i < consecutive; i++ {
		d *= 2
		if d >= p.cfg.MaxCooldown {
			return p.cfg.MaxCooldown
		}
	}
	return min(d, p.cfg.MaxCooldown)
}

// Snapshot returns the state of every proxy, sorted by address.
func (p *Pool) Snapshot() []extract.ProxyStatus {
	now := p.clock.Now()
	out := make([]extract.ProxyStatus, 0, len(p.proxies))
	for _, px := range p.proxies {
		px.mu.Lock()
		p.expireCooldown(px, now)
		status := extract.ProxyStatus{
			Address:             px.endpoint.Address,
			State:               px.state,
			HealthScore:         px.health,
			ConsecutiveFailures: px.consecutive,
			InFlight:            int(px.inFlight.Load()),
			Successes:           px.successes,
			Failures:            px.failures,
			LastUsedAt:          px.lastUsed,
		}
		if px.state != extract.ProxyActive {
			status.CooldownUntil = px.cooldownUntil
		}
		if total := px.successes + px.failures; total > 0 {
			status.SuccessRate = float64(px.successes) / float64(total)
		}
		px.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
