package router

import (
	"context"
	"errors"
	"testing"

	"github.com/use-agent/harvest/adapter"
	"github.com/use-agent/harvest/breaker"
	"github.com/use-agent/harvest/models"
)

type fakeAdapter struct {
	name string
	caps models.Capabilities
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Fetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	return &adapter.Response{Status: 200, Body: f.name}, nil
}
func (f *fakeAdapter) Capabilities() models.Capabilities { return f.caps }

// pickyAdapter additionally rules itself out for some URLs.
type pickyAdapter struct {
	fakeAdapter
	handles func(url string) bool
}

func (p *pickyAdapter) CanHandle(url string) bool { return p.handles(url) }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := New(Config{}, nil)
	t.Cleanup(r.Stop)
	return r
}

// runNamed is an Executor that reports which adapter ran and fails the
// names listed in failing.
func runNamed(ran *[]string, failing map[string]error) Executor {
	return func(ctx context.Context, a adapter.Adapter) (*adapter.Response, error) {
		*ran = append(*ran, a.Name())
		if err, ok := failing[a.Name()]; ok {
			return nil, err
		}
		return a.Fetch(ctx, &adapter.Request{})
	}
}

func TestRouter_SelectByPriority(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})

	a, err := r.SelectAdapter("https://example.com", nil)
	if err != nil {
		t.Fatalf("SelectAdapter: %v", err)
	}
	if a.Name() != "cheap" {
		t.Errorf("selected %q, want the higher-priority adapter", a.Name())
	}
}

func TestRouter_ForcedModeBypassesScoring(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})

	a, err := r.SelectAdapter("https://example.com", &models.Options{Mode: "heavy"})
	if err != nil {
		t.Fatalf("SelectAdapter: %v", err)
	}
	if a.Name() != "heavy" {
		t.Errorf("selected %q, want the forced adapter", a.Name())
	}

	if _, err := r.SelectAdapter("https://example.com", &models.Options{Mode: "nope"}); err == nil {
		t.Error("forcing an unknown adapter did not error")
	}
}

func TestRouter_RuleBeatsScoring(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})
	r.AddRule(Rule{
		Name:     "video sites need rendering",
		Pattern:  "*.video.com",
		Adapter:  "heavy",
		Priority: 10,
		Enabled:  true,
	})

	tests := []struct {
		url  string
		want string
	}{
		{"https://www.video.com/watch", "heavy"},
		{"https://video.com/watch", "heavy"},
		{"https://example.com", "cheap"},
		{"https://notvideo.com", "cheap"},
	}
	for _, tt := range tests {
		a, err := r.SelectAdapter(tt.url, nil)
		if err != nil {
			t.Fatalf("SelectAdapter(%q): %v", tt.url, err)
		}
		if a.Name() != tt.want {
			t.Errorf("SelectAdapter(%q) = %q, want %q", tt.url, a.Name(), tt.want)
		}
	}
}

func TestRouter_RulePriorityOrder(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "a"}, 50, breaker.Config{})
	r.Register(&fakeAdapter{name: "b"}, 50, breaker.Config{})
	r.AddRule(Rule{Name: "low", Pattern: "*.example.com", Adapter: "a", Priority: 1, Enabled: true})
	r.AddRule(Rule{Name: "high", Pattern: "*.example.com", Adapter: "b", Priority: 5, Enabled: true})

	a, err := r.SelectAdapter("https://www.example.com", nil)
	if err != nil {
		t.Fatalf("SelectAdapter: %v", err)
	}
	if a.Name() != "b" {
		t.Errorf("selected %q, want the higher-priority rule's adapter", a.Name())
	}
}

func TestRouter_DisabledAdapterSkipped(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})
	r.SetEnabled("cheap", false)

	a, err := r.SelectAdapter("https://example.com", nil)
	if err != nil {
		t.Fatalf("SelectAdapter: %v", err)
	}
	if a.Name() != "heavy" {
		t.Errorf("selected %q, want the only enabled adapter", a.Name())
	}

	r.SetEnabled("heavy", false)
	if _, err := r.SelectAdapter("https://example.com", nil); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("err = %v, want ErrNoAdapter", err)
	}
}

func TestRouter_URLMatcherExcludesAdapter(t *testing.T) {
	r := newTestRouter(t)
	picky := &pickyAdapter{
		fakeAdapter: fakeAdapter{name: "picky"},
		handles: func(url string) bool {
			return url == "https://special.com"
		},
	}
	r.Register(picky, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "generic"}, 40, breaker.Config{})

	a, _ := r.SelectAdapter("https://special.com", nil)
	if a.Name() != "picky" {
		t.Errorf("selected %q for handled URL, want picky", a.Name())
	}
	a, _ = r.SelectAdapter("https://other.com", nil)
	if a.Name() != "generic" {
		t.Errorf("selected %q for unhandled URL, want generic", a.Name())
	}
}

func TestRouter_OpenBreakerSkippedInSelection(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{FailureThreshold: 1})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{FailureThreshold: 1})

	tripBreaker(t, r, "cheap")

	a, err := r.SelectAdapter("https://example.com", nil)
	if err != nil {
		t.Fatalf("SelectAdapter: %v", err)
	}
	if a.Name() != "heavy" {
		t.Errorf("selected %q, want the adapter with a closed breaker", a.Name())
	}
}

func TestRouter_AllBreakersOpenStillSelects(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{FailureThreshold: 1})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{FailureThreshold: 1})

	tripBreaker(t, r, "cheap")
	tripBreaker(t, r, "heavy")

	a, err := r.SelectAdapter("https://example.com", nil)
	if err != nil {
		t.Fatalf("SelectAdapter with all breakers open: %v", err)
	}
	if a == nil {
		t.Fatal("no adapter returned")
	}
}

func TestRouter_ExecuteFallsBackOnce(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})

	var ran []string
	failCheap := errors.New("cheap transport refused")
	resp, name, err := r.Execute(context.Background(), "req-1", "https://example.com", nil,
		runNamed(&ran, map[string]error{"cheap": failCheap}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if name != "heavy" {
		t.Errorf("succeeded via %q, want the fallback adapter", name)
	}
	if resp.Body != "heavy" {
		t.Errorf("response from %q, want heavy", resp.Body)
	}
	if len(ran) != 2 || ran[0] != "cheap" || ran[1] != "heavy" {
		t.Errorf("ran %v, want [cheap heavy]", ran)
	}
}

func TestRouter_FallbackFailureSurfacesOriginalError(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})

	var ran []string
	errCheap := errors.New("primary failed")
	errHeavy := errors.New("fallback failed")
	_, name, err := r.Execute(context.Background(), "req-2", "https://example.com", nil,
		runNamed(&ran, map[string]error{"cheap": errCheap, "heavy": errHeavy}))

	if !errors.Is(err, errCheap) {
		t.Errorf("err = %v, want the primary adapter's error", err)
	}
	if errors.Is(err, errHeavy) {
		t.Error("fallback error masked the original")
	}
	if name != "cheap" {
		t.Errorf("reported adapter %q, want the primary", name)
	}
	if len(ran) != 2 {
		t.Errorf("ran %v, want exactly one fallback attempt", ran)
	}
}

func TestRouter_ExecuteSingleAdapterNoFallback(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "only"}, 50, breaker.Config{})

	var ran []string
	errOnly := errors.New("nope")
	_, _, err := r.Execute(context.Background(), "req-3", "https://example.com", nil,
		runNamed(&ran, map[string]error{"only": errOnly}))

	if !errors.Is(err, errOnly) {
		t.Fatalf("err = %v, want the adapter error", err)
	}
	if len(ran) != 1 {
		t.Errorf("ran %v, want a single attempt", ran)
	}
}

func TestRouter_FailuresDegradeScore(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "flaky"}, 60, breaker.Config{FailureThreshold: 100})
	r.Register(&fakeAdapter{name: "steady"}, 60, breaker.Config{})

	// Record a run of failures against flaky and successes for steady.
	for i := 0; i < 10; i++ {
		r.Execute(context.Background(), "req", "https://example.com", nil,
			func(ctx context.Context, a adapter.Adapter) (*adapter.Response, error) {
				if a.Name() == "flaky" {
					return nil, errors.New("boom")
				}
				return &adapter.Response{Status: 200}, nil
			})
	}

	scores := r.Scores("https://example.com", nil)
	if scores["flaky"] >= scores["steady"] {
		t.Errorf("flaky score %.1f >= steady score %.1f after repeated failures",
			scores["flaky"], scores["steady"])
	}

	a, _ := r.SelectAdapter("https://example.com", nil)
	if a.Name() != "steady" {
		t.Errorf("selected %q, want the adapter with the better record", a.Name())
	}
}

func TestRouter_CapabilityHintBiasesSelection(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "http"}, 60, breaker.Config{})
	r.Register(&fakeAdapter{
		name: "render",
		caps: models.Capabilities{ScriptedRendering: true},
	}, 55, breaker.Config{})

	opts := &models.Options{NeedsRendering: true}
	a, err := r.SelectAdapter("https://example.com", opts)
	if err != nil {
		t.Fatalf("SelectAdapter: %v", err)
	}
	if a.Name() != "render" {
		t.Errorf("selected %q, want the rendering-capable adapter", a.Name())
	}
}

func TestRouter_States(t *testing.T) {
	r := newTestRouter(t)
	r.Register(&fakeAdapter{name: "cheap"}, 90, breaker.Config{FailureThreshold: 1})
	r.Register(&fakeAdapter{name: "heavy"}, 40, breaker.Config{})

	tripBreaker(t, r, "cheap")

	states := r.States()
	if states["cheap"] != "open" {
		t.Errorf("cheap state = %q, want open", states["cheap"])
	}
	if states["heavy"] != "closed" {
		t.Errorf("heavy state = %q, want closed", states["heavy"])
	}
}

// tripBreaker drives enough failures through one adapter to open its
// breaker, using forced mode so only that adapter runs.
func tripBreaker(t *testing.T, r *Router, name string) {
	t.Helper()
	e, ok := r.entries[name]
	if !ok {
		t.Fatalf("adapter %q not registered", name)
	}
	for i := 0; i < 10 && e.breaker.State() != breaker.Open; i++ {
		e.breaker.Execute(func() error { return errors.New("trip") })
	}
	if e.breaker.State() != breaker.Open {
		t.Fatalf("breaker %q did not open", name)
	}
}
