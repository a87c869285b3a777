// Package metrics defines the observer interface through which the core
// components report structured events. The core has no dependency on how
// the events are aggregated or displayed; sinks implement Observer.
package metrics

import (
	"log/slog"
	"time"
)

// Observer receives structured events from the orchestration core.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	// AdapterSelected fires when the router picks an adapter for a request.
	AdapterSelected(requestID, adapter, url string)

	// AdapterResult fires after an adapter execution completes.
	AdapterResult(adapter string, success bool, elapsed time.Duration)

	// BreakerTransition fires on every circuit breaker state change.
	BreakerTransition(name, from, to string)

	// PoolResource fires on resource lifecycle events; event is one of
	// "created", "destroyed", "evicted".
	PoolResource(pool, event string)

	// CacheEvent fires on cache activity; event is one of
	// "hit", "miss", "eviction".
	CacheEvent(event string)

	// ProxyRotated fires when the orchestrator rotates to a new identity.
	ProxyRotated(proxy string)
}

// Nop is an Observer that discards every event.
type Nop struct{}

func (Nop) AdapterSelected(string, string, string)     {}
func (Nop) AdapterResult(string, bool, time.Duration)  {}
func (Nop) BreakerTransition(string, string, string)   {}
func (Nop) PoolResource(string, string)                {}
func (Nop) CacheEvent(string)                          {}
func (Nop) ProxyRotated(string)                        {}

// Slog is an Observer that logs every event at debug level, with breaker
// transitions at warn. It is the default sink for the CLI paths.
type Slog struct{}

func (Slog) AdapterSelected(requestID, adapter, url string) {
	slog.Debug("adapter selected", "requestID", requestID, "adapter", adapter, "url", url)
}

func (Slog) AdapterResult(adapter string, success bool, elapsed time.Duration) {
	slog.Debug("adapter result", "adapter", adapter, "success", success, "elapsedMs", elapsed.Milliseconds())
}

func (Slog) BreakerTransition(name, from, to string) {
	slog.Warn("breaker transition", "breaker", name, "from", from, "to", to)
}

func (Slog) PoolResource(pool, event string) {
	slog.Debug("pool resource", "pool", pool, "event", event)
}

func (Slog) CacheEvent(event string) {
	slog.Debug("cache", "event", event)
}

func (Slog) ProxyRotated(proxy string) {
	slog.Debug("proxy rotated", "proxy", proxy)
}
