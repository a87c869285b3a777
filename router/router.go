// Package router holds the adapter registry, the routing rules and the
// scoring-based selection logic. It executes the chosen adapter through
// its circuit breaker and fails over to the next-best adapter once.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/use-agent/harvest/adapter"
	"github.com/use-agent/harvest/breaker"
	"github.com/use-agent/harvest/metrics"
	"github.com/use-agent/harvest/models"
)

// ErrNoAdapter is returned when no enabled adapter can serve a request.
var ErrNoAdapter = errors.New("router: no enabled adapter available")

// Config controls the scoring blend and the metrics window.
type Config struct {
	PriorityWeight    float64
	PerformanceWeight float64
	CapabilityWeight  float64
	MetricsWindow     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PriorityWeight == 0 && c.PerformanceWeight == 0 && c.CapabilityWeight == 0 {
		c.PriorityWeight, c.PerformanceWeight, c.CapabilityWeight = 0.3, 0.5, 0.2
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = 5 * time.Minute
	}
	return c
}

// Executor runs the chosen adapter for one attempt. The orchestrator
// supplies it so resource acquisition stays outside the router.
type Executor func(ctx context.Context, a adapter.Adapter) (*adapter.Response, error)

// entry is one registered adapter with its routing state.
type entry struct {
	adapter      adapter.Adapter
	basePriority int // 0-100
	enabled      bool
	breaker      *breaker.Breaker
	metrics      *windowMetrics
}

// Router is the adapter registry and selector. Safe for concurrent use.
type Router struct {
	cfg Config
	obs metrics.Observer

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, for deterministic ties
	rules   []*Rule  // kept sorted by descending priority

	done chan struct{}
}

// New creates an empty Router. breakerCfg applies to every adapter
// registered afterwards. obs may be nil.
func New(cfg Config, obs metrics.Observer) *Router {
	if obs == nil {
		obs = metrics.Nop{}
	}
	r := &Router{
		cfg:     cfg.withDefaults(),
		obs:     obs,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go r.pruneLoop()
	return r
}

// Register adds an adapter with a static base priority (0-100) and a
// dedicated circuit breaker. Registering an existing name replaces it.
func (r *Router) Register(a adapter.Adapter, basePriority int, breakerCfg breaker.Config) {
	br := breaker.New(a.Name(), breakerCfg, func(name string, from, to breaker.State) {
		r.obs.BreakerTransition(name, from.String(), to.String())
	})

	r.mu.Lock()
	if _, exists := r.entries[a.Name()]; !exists {
		r.order = append(r.order, a.Name())
	}
	r.entries[a.Name()] = &entry{
		adapter:      a,
		basePriority: basePriority,
		enabled:      true,
		breaker:      br,
		metrics:      newWindowMetrics(r.cfg.MetricsWindow),
	}
	r.mu.Unlock()
}

// Adapter returns a registered adapter by name.
func (r *Router) Adapter(name string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// SetEnabled toggles an adapter without unregistering it.
func (r *Router) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.enabled = enabled
	}
	r.mu.Unlock()
}

// AddRule inserts a routing rule, keeping the rule set sorted by
// descending priority.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	r.rules = append(r.rules, &rule)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
	r.mu.Unlock()
}

// Stop terminates the background metrics prune loop.
func (r *Router) Stop() {
	close(r.done)
}

// SelectAdapter picks the best adapter for the request. Routing rules win
// over scoring; otherwise adapters are ranked by the weighted blend of
// base priority, recent performance and capability match, degraded by
// breaker state. The top candidate whose breaker is not open wins; if
// every breaker is open the top candidate is returned anyway — the router
// degrades, it never refuses outright.
func (r *Router) SelectAdapter(url string, opts *models.Options) (adapter.Adapter, error) {
	e, err := r.selectEntry(url, opts, "")
	if err != nil {
		return nil, err
	}
	return e.adapter, nil
}

// selectEntry implements selection, optionally excluding one adapter
// (used for fallback re-ranking).
func (r *Router) selectEntry(url string, opts *models.Options, exclude string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Forced mode bypasses both rules and scoring.
	if opts != nil && opts.Mode != "" && opts.Mode != exclude {
		if e, ok := r.entries[opts.Mode]; ok && e.enabled {
			return e, nil
		}
		return nil, fmt.Errorf("router: unknown or disabled adapter %q", opts.Mode)
	}

	// Rules, highest priority first; first enabled match wins.
	for _, rule := range r.rules {
		if !rule.Enabled || rule.Adapter == exclude {
			continue
		}
		if rule.matches(url, opts) {
			if e, ok := r.entries[rule.Adapter]; ok && e.enabled {
				return e, nil
			}
		}
	}

	type candidate struct {
		e     *entry
		score float64
	}
	var ranked []candidate
	for _, name := range r.order {
		e := r.entries[name]
		if !e.enabled || name == exclude {
			continue
		}
		if m, ok := e.adapter.(adapter.URLMatcher); ok && !m.CanHandle(url) {
			continue
		}
		ranked = append(ranked, candidate{e: e, score: r.scoreLocked(e, url, opts)})
	}
	if len(ranked) == 0 {
		return nil, ErrNoAdapter
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	for _, c := range ranked {
		if c.e.breaker.State() != breaker.Open {
			return c.e, nil
		}
	}
	// All breakers open: degrade to the top candidate rather than refuse.
	return ranked[0].e, nil
}

// scoreLocked computes the running score of one adapter for a request.
// Caller holds r.mu (read).
func (r *Router) scoreLocked(e *entry, url string, opts *models.Options) float64 {
	priority := float64(e.basePriority)
	if p, ok := e.adapter.(adapter.URLPrioritizer); ok {
		priority = float64(p.PriorityFor(url))
	}

	score := r.cfg.PriorityWeight*priority +
		r.cfg.PerformanceWeight*e.metrics.performanceScore() +
		r.cfg.CapabilityWeight*capabilityBonus(e.adapter.Capabilities(), opts)

	return score * breakerPenalty(e.breaker.State())
}

// Scores returns the current running score per enabled adapter, for
// observability endpoints.
func (r *Router) Scores(url string, opts *models.Options) map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.entries))
	for name, e := range r.entries {
		if e.enabled {
			out[name] = r.scoreLocked(e, url, opts)
		}
	}
	return out
}

// States returns the breaker state per registered adapter, for the stats
// endpoint.
func (r *Router) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.breaker.State().String()
	}
	return out
}

// Execute selects the best adapter and runs it through its breaker. On
// failure it re-ranks the remaining enabled adapters and retries exactly
// once through the new top candidate; if the fallback fails too, the
// original error is surfaced so the root cause is not masked.
func (r *Router) Execute(ctx context.Context, requestID, url string, opts *models.Options, run Executor) (*adapter.Response, string, error) {
	primary, err := r.selectEntry(url, opts, "")
	if err != nil {
		return nil, "", err
	}
	r.obs.AdapterSelected(requestID, primary.adapter.Name(), url)

	resp, primaryErr := r.executeEntry(ctx, primary, run)
	if primaryErr == nil {
		return resp, primary.adapter.Name(), nil
	}

	fallback, selErr := r.selectEntry(url, opts, primary.adapter.Name())
	if selErr != nil {
		return nil, primary.adapter.Name(), primaryErr
	}
	slog.Debug("router: failing over",
		"requestID", requestID,
		"from", primary.adapter.Name(),
		"to", fallback.adapter.Name(),
		"error", primaryErr,
	)
	r.obs.AdapterSelected(requestID, fallback.adapter.Name(), url)

	resp, fallbackErr := r.executeEntry(ctx, fallback, run)
	if fallbackErr == nil {
		return resp, fallback.adapter.Name(), nil
	}

	// Fallback failures are logged, not surfaced: the original error is
	// the root cause the caller should see.
	slog.Debug("router: fallback also failed",
		"requestID", requestID,
		"adapter", fallback.adapter.Name(),
		"error", fallbackErr,
	)
	return nil, primary.adapter.Name(), primaryErr
}

// executeEntry runs one adapter attempt through its breaker and records
// the outcome metric. Breaker rejections are not recorded as adapter
// outcomes; the call never ran.
func (r *Router) executeEntry(ctx context.Context, e *entry, run Executor) (*adapter.Response, error) {
	var resp *adapter.Response

	start := time.Now()
	err := e.breaker.Execute(func() error {
		var callErr error
		resp, callErr = run(ctx, e.adapter)
		return callErr
	})

	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return nil, err
	}

	elapsed := time.Since(start)
	e.metrics.record(err == nil, elapsed)
	r.obs.AdapterResult(e.adapter.Name(), err == nil, elapsed)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// pruneLoop decays old outcome samples on a schedule so idle adapters'
// scores drift back to neutral without traffic.
func (r *Router) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.RLock()
			for _, e := range r.entries {
				e.metrics.prune()
			}
			r.mu.RUnlock()
		}
	}
}
