package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testResource lets lifecycle callbacks flag individual resources invalid.
type testResource struct {
	id    int64
	valid atomic.Bool
}

type lifecycle struct {
	created   atomic.Int64
	destroyed atomic.Int64
}

func (lc *lifecycle) funcs() Funcs[*testResource] {
	return Funcs[*testResource]{
		Create: func(ctx context.Context) (*testResource, error) {
			r := &testResource{id: lc.created.Add(1)}
			r.valid.Store(true)
			return r, nil
		},
		Destroy: func(r *testResource) {
			lc.destroyed.Add(1)
		},
		Validate: func(r *testResource) bool {
			return r.valid.Load()
		},
	}
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*testResource], *lifecycle) {
	t.Helper()
	lc := &lifecycle{}
	p := New("test", cfg, lc.funcs(), nil)
	t.Cleanup(p.Shutdown)
	return p, lc
}

func TestPool_AcquireRelease(t *testing.T) {
	p, lc := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: time.Second})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Value() == nil {
		t.Fatal("lease has no value")
	}

	stats := p.Stats()
	if stats.Total != 1 || stats.InUse != 1 || stats.Available != 0 {
		t.Errorf("stats = %+v, want 1 total / 1 in use", stats)
	}

	p.Release(lease, true)
	stats = p.Stats()
	if stats.Total != 1 || stats.InUse != 0 || stats.Available != 1 {
		t.Errorf("stats after release = %+v, want 1 total / 1 available", stats)
	}

	// The released resource is reused, not recreated.
	lease2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer p.Release(lease2, true)
	if got := lc.created.Load(); got != 1 {
		t.Errorf("created %d resources, want 1 (reuse)", got)
	}
}

func TestPool_AcquireTimeoutAtCapacity(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(lease, true)

	_, err = p.Acquire(context.Background())
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeoutErr.Pool != "test" {
		t.Errorf("TimeoutError.Pool = %q, want %q", timeoutErr.Pool, "test")
	}
}

func TestPool_ZeroCapacityAlwaysTimesOut(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 0, AcquireTimeout: 20 * time.Millisecond})

	_, err := p.Acquire(context.Background())
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
}

func TestPool_WaiterServedOnRelease(t *testing.T) {
	p, lc := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 2 * time.Second})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	held := lease.Value()

	type acquired struct {
		lease *Lease[*testResource]
		err   error
	}
	got := make(chan acquired, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		got <- acquired{l, err}
	}()

	// Give the goroutine time to join the wait queue, then release.
	time.Sleep(20 * time.Millisecond)
	p.Release(lease, true)

	a := <-got
	if a.err != nil {
		t.Fatalf("waiting Acquire: %v", a.err)
	}
	defer p.Release(a.lease, true)

	if a.lease.Value() != held {
		t.Error("waiter did not receive the released resource")
	}
	if lc.created.Load() != 1 {
		t.Errorf("created %d resources, want 1", lc.created.Load())
	}
}

func TestPool_ContextCancelsWait(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 5 * time.Second})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(lease, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
}

func TestPool_InvalidIdleResourceReplaced(t *testing.T) {
	p, lc := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: time.Second})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := lease.Value()
	p.Release(lease, true)

	// Break the idle resource; the next Acquire must destroy it and hand
	// out a fresh one.
	first.valid.Store(false)

	lease2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after invalidation: %v", err)
	}
	defer p.Release(lease2, true)

	if lease2.Value() == first {
		t.Fatal("invalid resource was handed out")
	}
	if lc.destroyed.Load() != 1 {
		t.Errorf("destroyed %d, want 1", lc.destroyed.Load())
	}
	if got := p.Stats().Total; got != 1 {
		t.Errorf("total = %d, want 1 (replacement, not growth)", got)
	}
}

func TestPool_MinSizePrefill(t *testing.T) {
	p, lc := newTestPool(t, Config{MinSize: 3, MaxSize: 5, AcquireTimeout: time.Second})

	if got := lc.created.Load(); got != 3 {
		t.Errorf("created %d at startup, want MinSize=3", got)
	}
	if stats := p.Stats(); stats.Available != 3 {
		t.Errorf("available = %d, want 3", stats.Available)
	}
}

func TestPool_ConcurrentAcquireRespectsMaxSize(t *testing.T) {
	const workers = 20
	p, lc := newTestPool(t, Config{MaxSize: 4, AcquireTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			time.Sleep(5 * time.Millisecond)
			p.Release(lease, true)
		}()
	}
	wg.Wait()

	if got := lc.created.Load(); got > 4 {
		t.Errorf("created %d resources, MaxSize is 4", got)
	}
	stats := p.Stats()
	if stats.InUse != 0 {
		t.Errorf("inUse = %d after all releases, want 0", stats.InUse)
	}
	if stats.Total+stats.Available == 0 {
		t.Error("pool is empty after the run")
	}
}

func TestPool_SweepEvictsOverThresholdResources(t *testing.T) {
	p, lc := newTestPool(t, Config{
		MinSize:        0,
		MaxSize:        2,
		AcquireTimeout: time.Second,
		MaxUses:        2,
	})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	lease, _ := p.Acquire(context.Background())
	p.Release(lease, true)
	lease, _ = p.Acquire(context.Background())
	p.Release(lease, true)

	p.sweep()

	if lc.destroyed.Load() != 1 {
		t.Errorf("destroyed %d, want 1 (MaxUses reached)", lc.destroyed.Load())
	}
	if got := p.Stats().Total; got != 0 {
		t.Errorf("total = %d after sweep, want 0", got)
	}
}

func TestPool_SweepRetiresIdleAboveMinSize(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MinSize:        1,
		MaxSize:        4,
		AcquireTimeout: time.Second,
		IdleTimeout:    time.Minute,
	})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	// Check out two extra resources beyond the prefill, then idle them.
	l1, _ := p.Acquire(context.Background())
	l2, _ := p.Acquire(context.Background())
	l3, _ := p.Acquire(context.Background())
	p.Release(l1, true)
	p.Release(l2, true)
	p.Release(l3, true)

	clock = clock.Add(2 * time.Minute)
	p.sweep()

	if got := p.Stats().Total; got != 1 {
		t.Errorf("total = %d after idle sweep, want MinSize=1", got)
	}
}

func TestPool_ShutdownFailsPendingAndNewAcquires(t *testing.T) {
	lc := &lifecycle{}
	p := New("test", Config{MaxSize: 1, AcquireTimeout: 5 * time.Second}, lc.funcs(), nil)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waiting := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waiting <- err
	}()
	time.Sleep(20 * time.Millisecond)

	p.Shutdown()

	if err := <-waiting; !errors.Is(err, ErrShutdown) {
		t.Fatalf("pending Acquire: err = %v, want ErrShutdown", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("new Acquire: err = %v, want ErrShutdown", err)
	}

	// The in-use resource is destroyed on its release.
	p.Release(lease, true)
	if lc.destroyed.Load() != 1 {
		t.Errorf("destroyed %d, want 1", lc.destroyed.Load())
	}
}
