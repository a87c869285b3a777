// Package pool provides a generic lifecycle manager for a homogeneous set
// of expensive, failure-prone resources (browser pages, fingerprinted HTTP
// clients). Concrete pools supply creation, destruction and validation
// callbacks; the engine owns sizing, FIFO waiting, health-based retirement
// and the background eviction sweep.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/use-agent/harvest/metrics"
)

// ErrShutdown is returned by Acquire after Shutdown has been called.
var ErrShutdown = errors.New("pool: shut down")

// TimeoutError is returned when no resource became available within the
// acquisition timeout. It is retryable by the caller's policy.
type TimeoutError struct {
	Pool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool %q: no resource available within %s", e.Pool, e.Timeout)
}

// Funcs are the injected lifecycle callbacks.
type Funcs[T any] struct {
	// Create builds a new resource. It may fail.
	Create func(ctx context.Context) (T, error)

	// Destroy disposes of a resource. Best-effort; it must not panic.
	Destroy func(T)

	// Validate is a cheap liveness check run before a resource is handed
	// out. Nil means always valid.
	Validate func(T) bool
}

// Config controls pool sizing and retirement.
type Config struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	MaxAge         time.Duration
	MaxUses        int
	MaxErrors      int
	SweepInterval  time.Duration
}

// validateRetries bounds how many invalid idle resources one Acquire will
// destroy and replace before falling through to creation.
const validateRetries = 3

// resource is the pool's bookkeeping for one managed value.
type resource[T any] struct {
	id        int64
	value     T
	createdAt time.Time
	lastUsed  time.Time
	uses      int
	errs      int
	inUse     bool
}

// Lease is a checked-out resource. Call Pool.Release exactly once.
type Lease[T any] struct {
	res *resource[T]
}

// Value returns the underlying resource.
func (l *Lease[T]) Value() T { return l.res.value }

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	InUse     int    `json:"inUse"`
}

// Pool manages a bounded set of resources of type T. It is safe for
// concurrent use. Internal bookkeeping is serialized under one mutex;
// resource creation and destruction run outside it so unrelated acquires
// are not blocked behind slow lifecycle calls.
type Pool[T any] struct {
	name  string
	cfg   Config
	funcs Funcs[T]
	obs   metrics.Observer

	mu        sync.Mutex
	resources map[int64]*resource[T]
	idle      []*resource[T] // LIFO; available resources only
	waiters   *list.List     // of chan *resource[T], FIFO
	creating  int            // in-flight Create calls, counted toward size
	nextID    int64
	closed    bool

	done chan struct{}
	now  func() time.Time // test seam
}

// New creates a pool, pre-fills it to MinSize (best effort) and starts the
// eviction sweep. Call Shutdown when done. obs may be nil.
func New[T any](name string, cfg Config, funcs Funcs[T], obs metrics.Observer) *Pool[T] {
	if obs == nil {
		obs = metrics.Nop{}
	}
	p := &Pool[T]{
		name:      name,
		cfg:       cfg,
		funcs:     funcs,
		obs:       obs,
		resources: make(map[int64]*resource[T]),
		waiters:   list.New(),
		done:      make(chan struct{}),
		now:       time.Now,
	}

	for i := 0; i < cfg.MinSize && i < cfg.MaxSize; i++ {
		if err := p.addIdle(context.Background()); err != nil {
			slog.Warn("pool: pre-create failed", "pool", name, "error", err)
			break
		}
	}

	if cfg.SweepInterval > 0 {
		go p.sweepLoop()
	}
	return p
}

// Name returns the pool identifier.
func (p *Pool[T]) Name() string { return p.name }

// Acquire returns a validated resource, creating one when below MaxSize.
// At capacity it waits FIFO behind earlier acquirers until a release or
// the acquisition timeout, which yields *TimeoutError without internal
// retry. The context can cancel the wait early.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	// Serve an idle resource that passes validation. Invalid ones are
	// destroyed and replaced transparently, up to a bounded retry count.
	for tries := 0; len(p.idle) > 0 && tries < validateRetries; tries++ {
		r := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		r.inUse = true
		p.mu.Unlock()

		if p.funcs.Validate == nil || p.funcs.Validate(r.value) {
			return &Lease[T]{res: r}, nil
		}

		p.destroy(r, "destroyed")
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrShutdown
		}
	}

	// Create on demand while under capacity. The in-flight creation is
	// counted toward the size so concurrent acquirers cannot overshoot.
	if len(p.resources)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()

		value, err := p.funcs.Create(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool %q: create resource: %w", p.name, err)
		}
		if p.closed {
			p.mu.Unlock()
			p.funcs.Destroy(value)
			return nil, ErrShutdown
		}
		r := p.track(value)
		r.inUse = true
		p.mu.Unlock()
		p.obs.PoolResource(p.name, "created")
		return &Lease[T]{res: r}, nil
	}

	// At capacity: join the FIFO wait queue.
	ch := make(chan *resource[T], 1)
	el := p.waiters.PushBack(ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r == nil {
			return nil, ErrShutdown
		}
		return &Lease[T]{res: r}, nil

	case <-timer.C:
		if r := p.abandonWait(el, ch); r != nil {
			// A release raced the timeout; pass the resource on.
			p.Release(&Lease[T]{res: r}, true)
		}
		return nil, &TimeoutError{Pool: p.name, Timeout: p.cfg.AcquireTimeout}

	case <-ctx.Done():
		if r := p.abandonWait(el, ch); r != nil {
			p.Release(&Lease[T]{res: r}, true)
		}
		return nil, fmt.Errorf("pool %q: acquire: %w", p.name, ctx.Err())
	}
}

// Release returns a leased resource to the pool. The resource always goes
// back to the available set (or straight to the oldest waiter); retirement
// is the pool's decision, made by validation and the sweep. ok records
// whether the checkout succeeded, feeding the error-count threshold.
func (p *Pool[T]) Release(lease *Lease[T], ok bool) {
	r := lease.res

	p.mu.Lock()
	r.lastUsed = p.now()
	r.uses++
	if !ok {
		r.errs++
	}
	r.inUse = false

	if p.closed {
		delete(p.resources, r.id)
		p.mu.Unlock()
		p.funcs.Destroy(r.value)
		return
	}

	// Hand off directly to the oldest waiter, preserving FIFO order.
	if el := p.waiters.Front(); el != nil {
		p.waiters.Remove(el)
		r.inUse = true
		el.Value.(chan *resource[T]) <- r
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, r)
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool sizes.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Total:     len(p.resources),
		Available: len(p.idle),
		InUse:     len(p.resources) - len(p.idle),
	}
}

// Shutdown destroys all idle resources, fails queued acquirers and stops
// the sweep. In-use resources are destroyed as they are released.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	for el := p.waiters.Front(); el != nil; el = el.Next() {
		close(el.Value.(chan *resource[T]))
	}
	p.waiters.Init()

	idle := p.idle
	p.idle = nil
	for _, r := range idle {
		delete(p.resources, r.id)
	}
	p.mu.Unlock()

	for _, r := range idle {
		p.funcs.Destroy(r.value)
		p.obs.PoolResource(p.name, "destroyed")
	}
	close(p.done)
}

// abandonWait removes a waiter that timed out or was cancelled. If a
// release already handed it a resource the resource is returned so the
// caller can put it back.
func (p *Pool[T]) abandonWait(el *list.Element, ch chan *resource[T]) *resource[T] {
	p.mu.Lock()
	p.waiters.Remove(el)
	p.mu.Unlock()

	select {
	case r := <-ch:
		return r
	default:
		return nil
	}
}

// track registers a newly created value. Caller holds p.mu.
func (p *Pool[T]) track(value T) *resource[T] {
	p.nextID++
	r := &resource[T]{
		id:        p.nextID,
		value:     value,
		createdAt: p.now(),
		lastUsed:  p.now(),
	}
	p.resources[r.id] = r
	return r
}

// destroy unregisters a resource and disposes of its value.
func (p *Pool[T]) destroy(r *resource[T], event string) {
	p.mu.Lock()
	delete(p.resources, r.id)
	p.mu.Unlock()
	p.funcs.Destroy(r.value)
	p.obs.PoolResource(p.name, event)
}

// addIdle creates one resource and parks it in the available set.
func (p *Pool[T]) addIdle(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || len(p.resources)+p.creating >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil
	}
	p.creating++
	p.mu.Unlock()

	value, err := p.funcs.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if p.closed {
		p.mu.Unlock()
		p.funcs.Destroy(value)
		return ErrShutdown
	}
	r := p.track(value)

	// A waiter may be queued (pool was at capacity when it arrived but a
	// sweep shrank it since); serve it rather than parking the resource.
	if el := p.waiters.Front(); el != nil {
		p.waiters.Remove(el)
		r.inUse = true
		el.Value.(chan *resource[T]) <- r
		p.mu.Unlock()
	} else {
		p.idle = append(p.idle, r)
		p.mu.Unlock()
	}
	p.obs.PoolResource(p.name, "created")
	return nil
}

// sweepLoop runs the eviction sweep independent of request traffic.
func (p *Pool[T]) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep retires available resources that are idle beyond IdleTimeout
// (respecting MinSize) or past the age, use-count or error-count
// thresholds, then refills to MinSize. Rotating identity under light load
// bounds resource lifetime.
func (p *Pool[T]) sweep() {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var evict []*resource[T]
	keep := p.idle[:0]
	for _, r := range p.idle {
		overThreshold := (p.cfg.MaxAge > 0 && now.Sub(r.createdAt) >= p.cfg.MaxAge) ||
			(p.cfg.MaxUses > 0 && r.uses >= p.cfg.MaxUses) ||
			(p.cfg.MaxErrors > 0 && r.errs >= p.cfg.MaxErrors)
		idleTooLong := p.cfg.IdleTimeout > 0 && now.Sub(r.lastUsed) >= p.cfg.IdleTimeout &&
			len(p.resources)-len(evict) > p.cfg.MinSize

		if overThreshold || idleTooLong {
			evict = append(evict, r)
			continue
		}
		keep = append(keep, r)
	}
	p.idle = keep
	for _, r := range evict {
		delete(p.resources, r.id)
	}
	refill := p.cfg.MinSize - (len(p.resources) + p.creating)
	p.mu.Unlock()

	for _, r := range evict {
		p.funcs.Destroy(r.value)
		p.obs.PoolResource(p.name, "evicted")
		slog.Debug("pool: evicted resource", "pool", p.name, "id", r.id,
			"uses", r.uses, "errs", r.errs)
	}

	for i := 0; i < refill; i++ {
		if err := p.addIdle(context.Background()); err != nil {
			slog.Warn("pool: refill failed", "pool", p.name, "error", err)
			break
		}
	}
}
