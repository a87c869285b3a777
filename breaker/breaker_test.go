package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errFail = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func fail(b *Breaker) error    { return b.Execute(func() error { return errFail }) }
func succeed(b *Breaker) error { return b.Execute(func() error { return nil }) }

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		if err := fail(b); !errors.Is(err, errFail) {
			t.Fatalf("call %d: got %v, want the call error", i, err)
		}
		if got := b.State(); got != Closed {
			t.Fatalf("after %d failures state = %v, want Closed", i+1, got)
		}
	}

	if err := fail(b); !errors.Is(err, errFail) {
		t.Fatalf("threshold call: got %v, want the call error", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("after threshold state = %v, want Open", got)
	}

	err := succeed(b)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("open breaker admitted a call: err = %v", err)
	}
	if openErr.Name != "test" {
		t.Errorf("OpenError.Name = %q, want %q", openErr.Name, "test")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	fail(b)
	fail(b)
	succeed(b)
	fail(b)
	fail(b)

	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want Closed (streak was broken by a success)", got)
	}
	fail(b)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open after three consecutive failures", got)
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	})

	fail(b)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open", got)
	}

	// Still inside the cooldown: rejected.
	*clock = clock.Add(29 * time.Second)
	var openErr *OpenError
	if err := succeed(b); !errors.As(err, &openErr) {
		t.Fatalf("call inside cooldown: err = %v, want *OpenError", err)
	}

	// Cooldown elapsed: first trial admitted, breaker half-open.
	*clock = clock.Add(2 * time.Second)
	if err := succeed(b); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("after one trial success state = %v, want HalfOpen", got)
	}

	if err := succeed(b); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("after success threshold state = %v, want Closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     time.Second,
	})

	fail(b)
	*clock = clock.Add(2 * time.Second)

	if err := fail(b); !errors.Is(err, errFail) {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open after a failed trial", got)
	}

	// The failed trial restarts the full cooldown.
	var openErr *OpenError
	if err := succeed(b); !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *OpenError right after reopening", err)
	}
}

func TestBreaker_HalfOpenConcurrencyCap(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		HalfOpenConcurrency: 1,
		OpenDuration:        time.Second,
	})

	fail(b)
	*clock = clock.Add(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// The single trial slot is taken; a second call is rejected.
	var openErr *OpenError
	if err := succeed(b); !errors.As(err, &openErr) {
		t.Fatalf("second half-open call: err = %v, want *OpenError", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen after one of two required successes", got)
	}
}

func TestBreaker_ClosedCallOutcomeIgnoredAfterTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return errFail
		})
	}()
	<-started

	// Trip the breaker while the first call is still running.
	fail(b)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open", got)
	}

	close(release)
	<-done

	// The stale call's failure must not reschedule the retry or otherwise
	// disturb the already-open breaker.
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open after stale call completed", got)
	}
}

func TestBreaker_OnChangeNotifications(t *testing.T) {
	type change struct{ from, to State }
	var mu sync.Mutex
	var changes []change
	notified := make(chan struct{}, 8)

	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: time.Second},
		func(name string, from, to State) {
			mu.Lock()
			changes = append(changes, change{from, to})
			mu.Unlock()
			notified <- struct{}{}
		})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	fail(b) // Closed -> Open
	waitNotify(t, notified)

	clock = clock.Add(2 * time.Second)
	succeed(b) // Open -> HalfOpen -> Closed
	waitNotify(t, notified)
	waitNotify(t, notified)

	mu.Lock()
	defer mu.Unlock()
	want := []change{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(changes) != len(want) {
		t.Fatalf("got %d transitions, want %d: %v", len(changes), len(want), changes)
	}
	for i, w := range want {
		if changes[i] != w {
			t.Errorf("transition %d = %v->%v, want %v->%v",
				i, changes[i].from, changes[i].to, w.from, w.to)
		}
	}
}

func waitNotify(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change notification")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
