package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/young1lin/searchmux/internal/models"
)

// EnabledFunc reports whether a provider is currently enabled. Injected
// by the registry so health can mark disabled providers degraded without
// a package cycle.
type EnabledFunc func(name string) bool

const unhealthyMinRequests = 10
const unhealthySuccessRate = 0.8

// Tracker maintains per-provider usage counters and derived health.
// Each provider gets its own cell with its own lock; concurrent slots
// recording different providers never contend.
type Tracker struct {
	mu     sync.RWMutex // guards the cells map, not the counters
	cells  map[string]*cell
	window time.Duration
	now    func() time.Time

	enabledFn EnabledFunc
}

type cell struct {
	mu       sync.Mutex
	counters models.UsageCounters
	lastSeen time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithHealthWindow sets the sliding window for "recent traffic"
func WithHealthWindow(d time.Duration) Option {
	return func(t *Tracker) { t.window = d }
}

// WithEnabledFunc installs the registry enabled-state hook
func WithEnabledFunc(fn EnabledFunc) Option {
	return func(t *Tracker) { t.enabledFn = fn }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker with a default 5 minute health window
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		cells:  make(map[string]*cell),
		window: 5 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) cell(name string) *cell {
	t.mu.RLock()
	c, ok := t.cells[name]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.cells[name]; ok {
		return c
	}
	c = &cell{}
	t.cells[name] = c
	return c
}

// Record accounts one provider outcome. Called exactly once per outcome
// after the dispatch batch settles.
func (t *Tracker) Record(outcome models.ProviderOutcome) {
	c := t.cell(outcome.Provider)

	c.mu.Lock()
	c.counters.Requests++
	if outcome.Status.Success() {
		c.counters.Successes++
	} else {
		c.counters.Failures++
	}
	c.counters.TotalLatencyMs += outcome.LatencyMs
	c.counters.TotalCost += outcome.Cost
	c.lastSeen = t.now()
	c.mu.Unlock()

	observeOutcome(outcome)
	setErrorRateGauge(outcome.Provider, c.errorRate())
}

// errorRate must be called without holding c.mu from Record's caller;
// it takes the lock itself.
func (c *cell) errorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters.Requests == 0 {
		return 0
	}
	return float64(c.counters.Failures) / float64(c.counters.Requests)
}

// HealthOf derives one provider's health state. Unhealthy wins over
// degraded: a failing provider should not hide behind a disabled flag.
func (t *Tracker) HealthOf(name string) models.HealthState {
	c := t.cell(name)

	c.mu.Lock()
	counters := c.counters
	lastSeen := c.lastSeen
	c.mu.Unlock()

	if counters.Requests > unhealthyMinRequests {
		rate := float64(counters.Successes) / float64(counters.Requests)
		if rate <= unhealthySuccessRate {
			return models.HealthUnhealthy
		}
	}

	if t.enabledFn != nil && !t.enabledFn(name) {
		return models.HealthDegraded
	}
	if lastSeen.IsZero() || t.now().Sub(lastSeen) > t.window {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

// HealthSnapshot returns the health of every tracked provider plus any
// extra names the caller wants covered (registered but never dispatched).
func (t *Tracker) HealthSnapshot(extra ...string) map[string]models.HealthState {
	out := make(map[string]models.HealthState)
	for _, name := range t.names(extra) {
		out[name] = t.HealthOf(name)
	}
	return out
}

// Snapshot returns counters plus derived metrics per provider
func (t *Tracker) Snapshot(extra ...string) map[string]models.UsageSnapshot {
	out := make(map[string]models.UsageSnapshot)
	for _, name := range t.names(extra) {
		c := t.cell(name)

		c.mu.Lock()
		counters := c.counters
		lastSeen := c.lastSeen
		c.mu.Unlock()

		div := counters.Requests
		if div == 0 {
			div = 1
		}
		out[name] = models.UsageSnapshot{
			UsageCounters:    counters,
			AverageLatencyMs: counters.TotalLatencyMs / float64(div),
			ErrorRate:        float64(counters.Failures) / float64(div),
			LastSeen:         lastSeen,
		}
	}
	return out
}

// Reset zeroes one provider's counters. Operator action only; dispatch
// never calls this.
func (t *Tracker) Reset(name string) {
	c := t.cell(name)
	c.mu.Lock()
	c.counters = models.UsageCounters{}
	c.lastSeen = time.Time{}
	c.mu.Unlock()

	setErrorRateGauge(name, 0)
}

func (t *Tracker) names(extra []string) []string {
	seen := make(map[string]bool)
	t.mu.RLock()
	names := make([]string, 0, len(t.cells)+len(extra))
	for name := range t.cells {
		seen[name] = true
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range extra {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
