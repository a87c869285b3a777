// Package breaker implements a per-adapter circuit breaker. A breaker
// isolates a consistently failing transport strategy: consecutive failures
// open it, opening rejects calls fast for a cooldown, and recovery is
// probed through a bounded number of half-open trial calls.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when the breaker rejects a call without running it.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %q is open (retry at %s)", e.Name, e.RetryAt.Format(time.RFC3339))
}

// Config controls the state transitions.
type Config struct {
	// FailureThreshold is the consecutive failures that open the breaker.
	FailureThreshold int

	// SuccessThreshold is the consecutive half-open successes that close it.
	SuccessThreshold int

	// HalfOpenConcurrency caps concurrent half-open trial calls.
	HalfOpenConcurrency int

	// OpenDuration is how long an open breaker rejects before retrial.
	OpenDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenConcurrency < 1 {
		c.HalfOpenConcurrency = 1
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	return c
}

// OnChange is notified after a state transition. It is called outside the
// breaker's lock and must not call back into the breaker synchronously
// from another goroutine holding it.
type OnChange func(name string, from, to State)

// Breaker is a single circuit breaker. It is safe for concurrent use;
// state transitions are atomic with respect to concurrent Execute calls.
type Breaker struct {
	name     string
	cfg      Config
	onChange OnChange

	mu             sync.Mutex
	state          State
	failures       int
	successes      int // consecutive half-open trial successes
	retryAt        time.Time
	trialsInFlight int

	now func() time.Time // test seam
}

// New creates a Breaker. onChange may be nil.
func New(name string, cfg Config, onChange OnChange) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		state:    Closed,
		now:      time.Now,
	}
}

// Name returns the breaker identifier.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An expired open period still reports
// Open; the transition to HalfOpen happens on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn through the breaker, rejecting it with *OpenError when
// the breaker is open (before the retrial time) or when the half-open
// trial budget is already in flight.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}

	callErr := fn()
	b.after(trial, callErr == nil)
	return callErr
}

// before admits or rejects a call and reports whether it is a half-open
// trial.
func (b *Breaker) before() (trial bool, err error) {
	b.mu.Lock()

	switch b.state {
	case Open:
		if b.now().Before(b.retryAt) {
			err := &OpenError{Name: b.name, RetryAt: b.retryAt}
			b.mu.Unlock()
			return false, err
		}
		// Cooldown elapsed: this call becomes the first recovery trial.
		b.transition(HalfOpen)
		b.successes = 0
		b.trialsInFlight = 1
		b.mu.Unlock()
		return true, nil

	case HalfOpen:
		if b.trialsInFlight >= b.cfg.HalfOpenConcurrency {
			err := &OpenError{Name: b.name, RetryAt: b.retryAt}
			b.mu.Unlock()
			return false, err
		}
		b.trialsInFlight++
		b.mu.Unlock()
		return true, nil

	default: // Closed
		b.mu.Unlock()
		return false, nil
	}
}

// after applies the call outcome to the state machine.
func (b *Breaker) after(trial, success bool) {
	b.mu.Lock()

	if trial {
		b.trialsInFlight--
		if success {
			b.successes++
			if b.state == HalfOpen && b.successes >= b.cfg.SuccessThreshold {
				b.reset()
				b.transition(Closed)
			}
		} else if b.state == HalfOpen {
			// One trial failure reopens immediately; several successes are
			// needed to close. The asymmetry favours safety while probing.
			b.trip()
		}
		b.mu.Unlock()
		return
	}

	if b.state != Closed {
		// The breaker opened underneath a closed-state call that was
		// already running; its outcome no longer drives transitions.
		b.mu.Unlock()
		return
	}

	if success {
		b.failures = 0
	} else {
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
	b.mu.Unlock()
}

// trip moves to Open and schedules the retrial. Caller holds b.mu.
func (b *Breaker) trip() {
	b.reset()
	b.retryAt = b.now().Add(b.cfg.OpenDuration)
	b.transition(Open)
}

// reset clears the counters. Caller holds b.mu.
func (b *Breaker) reset() {
	b.failures = 0
	b.successes = 0
}

// transition changes state and fires the onChange hook in a goroutine so
// listeners never run under the lock. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(b.name, from, to)
	}
}
