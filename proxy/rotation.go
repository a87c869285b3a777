// Package proxy provides the rotating pool of outbound proxy identities.
// The orchestrator draws the next identity per attempt and reports the
// outcome back so consistently failing proxies are quarantined.
package proxy

import (
	"sync"
	"time"

	"github.com/use-agent/harvest/metrics"
)

// Identity is one outbound proxy.
type Identity struct {
	URL string

	failures  int // consecutive failures
	successes int
	lastUsed  time.Time
	benchedAt time.Time // zero when healthy
}

// Rotation is a round-robin proxy pool with health tracking. A proxy that
// fails QuarantineAfter times in a row is skipped for QuarantineFor, then
// given another chance. Safe for concurrent use.
type Rotation struct {
	mu         sync.Mutex
	identities []*Identity
	next       int

	quarantineAfter int
	quarantineFor   time.Duration
	obs             metrics.Observer
	now             func() time.Time // test seam
}

// NewRotation builds a rotation over the given proxy URLs. An empty list
// yields a rotation whose Next always returns nil (direct connections).
// obs may be nil.
func NewRotation(urls []string, quarantineAfter int, quarantineFor time.Duration, obs metrics.Observer) *Rotation {
	if obs == nil {
		obs = metrics.Nop{}
	}
	if quarantineAfter < 1 {
		quarantineAfter = 3
	}
	if quarantineFor <= 0 {
		quarantineFor = 5 * time.Minute
	}
	r := &Rotation{
		quarantineAfter: quarantineAfter,
		quarantineFor:   quarantineFor,
		obs:             obs,
		now:             time.Now,
	}
	for _, u := range urls {
		r.identities = append(r.identities, &Identity{URL: u})
	}
	return r
}

// Next returns the next healthy identity round-robin, or nil when none is
// available (callers then connect directly). Quarantined identities whose
// cooldown has elapsed become eligible again.
func (r *Rotation) Next() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.identities)
	if n == 0 {
		return nil
	}

	now := r.now()
	for i := 0; i < n; i++ {
		id := r.identities[r.next]
		r.next = (r.next + 1) % n

		if !id.benchedAt.IsZero() {
			if now.Sub(id.benchedAt) < r.quarantineFor {
				continue
			}
			// Cooldown over: probe it again.
			id.benchedAt = time.Time{}
			id.failures = 0
		}

		id.lastUsed = now
		r.obs.ProxyRotated(id.URL)
		return id
	}
	return nil
}

// ReportSuccess clears the identity's failure streak.
func (r *Rotation) ReportSuccess(id *Identity) {
	if id == nil {
		return
	}
	r.mu.Lock()
	id.failures = 0
	id.successes++
	r.mu.Unlock()
}

// ReportFailure bumps the failure streak and quarantines the identity
// once it crosses the threshold.
func (r *Rotation) ReportFailure(id *Identity) {
	if id == nil {
		return
	}
	r.mu.Lock()
	id.failures++
	if id.failures >= r.quarantineAfter && id.benchedAt.IsZero() {
		id.benchedAt = r.now()
	}
	r.mu.Unlock()
}

// Len returns the number of configured identities.
func (r *Rotation) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}
