package router

import (
	"sync"
	"time"

	"github.com/use-agent/harvest/breaker"
	"github.com/use-agent/harvest/models"
)

// neutralScore is used where no signal exists yet (no recent outcomes, no
// capability hints) so fresh adapters compete on priority alone.
const neutralScore = 50.0

// outcome is one recorded adapter execution.
type outcome struct {
	at      time.Time
	success bool
	elapsed time.Duration
}

// windowMetrics tracks adapter outcomes over a sliding window. Old
// entries decay out on record, on read and via the router's prune loop.
type windowMetrics struct {
	mu       sync.Mutex
	window   time.Duration
	outcomes []outcome
}

func newWindowMetrics(window time.Duration) *windowMetrics {
	return &windowMetrics{window: window}
}

func (m *windowMetrics) record(success bool, elapsed time.Duration) {
	now := time.Now()
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome{at: now, success: success, elapsed: elapsed})
	m.pruneLocked(now)
	m.mu.Unlock()
}

// snapshot returns the success rate [0,1], mean latency and sample count
// within the window.
func (m *windowMetrics) snapshot() (successRate float64, avgLatency time.Duration, samples int) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)

	if len(m.outcomes) == 0 {
		return 0, 0, 0
	}
	var ok int
	var total time.Duration
	for _, o := range m.outcomes {
		if o.success {
			ok++
		}
		total += o.elapsed
	}
	n := len(m.outcomes)
	return float64(ok) / float64(n), total / time.Duration(n), n
}

func (m *windowMetrics) prune() {
	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.mu.Unlock()
}

// pruneLocked drops outcomes older than the window. Caller holds m.mu.
func (m *windowMetrics) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.outcomes) && m.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.outcomes = append(m.outcomes[:0], m.outcomes[i:]...)
	}
}

// performanceScore blends recent success rate and inverse response time
// into a 0-100 score. No recent data scores neutral.
func (m *windowMetrics) performanceScore() float64 {
	successRate, avgLatency, samples := m.snapshot()
	if samples == 0 {
		return neutralScore
	}
	// Latency factor: 1.0 at zero latency, halved at one second.
	latencyFactor := 1000.0 / (1000.0 + float64(avgLatency.Milliseconds()))
	return 100 * (0.7*successRate + 0.3*latencyFactor)
}

// capabilityBonus scores how well an adapter's capabilities match the
// request hints, 0-100. With no hints every adapter scores neutral.
func capabilityBonus(caps models.Capabilities, opts *models.Options) float64 {
	if opts == nil || (!opts.NeedsRendering && !opts.NeedsStealth) {
		return neutralScore
	}
	var requested, matched float64
	if opts.NeedsRendering {
		requested++
		if caps.ScriptedRendering {
			matched++
		}
	}
	if opts.NeedsStealth {
		requested++
		if caps.Stealth {
			matched++
		}
	}
	return 100 * matched / requested
}

// breakerPenalty is the multiplicative factor applied after the weighted
// blend: an open breaker nearly disqualifies an adapter, a half-open one
// halves its standing.
func breakerPenalty(state breaker.State) float64 {
	switch state {
	case breaker.Open:
		return 0.1
	case breaker.HalfOpen:
		return 0.5
	default:
		return 1.0
	}
}
