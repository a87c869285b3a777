package models

import "time"

// FetchRequest is the body of POST /api/v1/fetch.
type FetchRequest struct {
	// URL is the destination to fetch. Required.
	URL string `json:"url" binding:"required"`

	// Mode forces a specific adapter ("http", "render", "render-stealth").
	Mode string `json:"mode,omitempty"`

	// Headers are extra request headers sent to the destination.
	Headers map[string]string `json:"headers,omitempty"`

	// SkipCache bypasses the cache lookup for this request.
	SkipCache bool `json:"skipCache,omitempty"`

	// TimeoutMs overrides the per-attempt deadline, in milliseconds.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// MaxRetries overrides the retry count. Omitted means the configured
	// default; 0 means exactly one attempt.
	MaxRetries *int `json:"maxRetries,omitempty"`

	// NeedsRendering hints that the page requires JavaScript execution.
	NeedsRendering bool `json:"needsRendering,omitempty"`

	// NeedsStealth hints that the destination blocks automation.
	NeedsStealth bool `json:"needsStealth,omitempty"`
}

// Options converts the API request to internal fetch options.
func (r *FetchRequest) Options() *Options {
	opts := NewOptions()
	opts.Mode = r.Mode
	opts.Headers = r.Headers
	opts.SkipCache = r.SkipCache
	opts.NeedsRendering = r.NeedsRendering
	opts.NeedsStealth = r.NeedsStealth
	if r.TimeoutMs > 0 {
		opts.Timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	if r.MaxRetries != nil && *r.MaxRetries >= 0 {
		opts.MaxRetries = *r.MaxRetries
	}
	return opts
}

// FetchResponse is the envelope for POST /api/v1/fetch.
type FetchResponse struct {
	Success bool         `json:"success"`
	Result  *Result      `json:"result,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}
