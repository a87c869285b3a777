package models

import "time"

// Capabilities describes what a transport adapter can do. The router uses
// it to match request hints against adapters during scoring.
type Capabilities struct {
	ScriptedRendering bool `json:"scriptedRendering"`
	Cookies           bool `json:"cookies"`
	Proxy             bool `json:"proxy"`
	Stealth           bool `json:"stealth"`
	Screenshot        bool `json:"screenshot"`
}

// Options controls a single fetch. Zero values mean "use the configured
// default", except MaxRetries where -1 means default and 0 means exactly
// one attempt.
type Options struct {
	// Mode forces a specific adapter by name (e.g. "http", "render",
	// "render-stealth"). Empty lets the router choose.
	Mode string

	// Headers are extra request headers. They affect the cache key.
	Headers map[string]string

	// SkipCache bypasses the cache lookup (the result is still stored).
	SkipCache bool

	// Timeout is the per-attempt deadline. Zero uses the configured default.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// -1 uses the configured default; 0 makes exactly one attempt.
	MaxRetries int

	// NeedsRendering hints that the page requires JavaScript execution.
	// It biases routing toward scripted-rendering adapters.
	NeedsRendering bool

	// NeedsStealth hints that the destination blocks automation and
	// biases routing toward stealth-capable adapters.
	NeedsStealth bool
}

// NewOptions returns Options with MaxRetries set to the "use default"
// sentinel. Callers building Options literals should do the same.
func NewOptions() *Options {
	return &Options{MaxRetries: -1}
}

// Result is the unit returned by a fetch and stored in the cache.
// It is immutable once produced; the cache returns annotated copies.
type Result struct {
	RequestID    string            `json:"requestId"`
	URL          string            `json:"url"`
	FinalURL     string            `json:"finalUrl,omitempty"`
	Body         string            `json:"body"`
	Title        string            `json:"title,omitempty"`
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers,omitempty"`
	Adapter      string            `json:"adapter"`
	ResponseTime time.Duration     `json:"responseTime"`
	Cached       bool              `json:"cached"`
}

// Size approximates the memory footprint of the result in bytes.
func (r *Result) Size() int {
	n := len(r.Body) + len(r.Title) + len(r.URL) + len(r.FinalURL)
	for k, v := range r.Headers {
		n += len(k) + len(v)
	}
	return n
}
