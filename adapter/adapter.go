// Package adapter defines the transport strategy contract and the concrete
// strategies: plain fingerprinted HTTP, headless rendering, and the
// stealth-enhanced rendering hybrid.
package adapter

import (
	"context"
	"time"

	"github.com/use-agent/harvest/models"
)

// Request carries everything an adapter needs for one fetch attempt. The
// orchestrator fills Resource with the pooled handle matching the
// adapter's resource family before the call.
type Request struct {
	URL         string
	Headers     map[string]string
	Proxy       string // outbound proxy URL, "" = direct
	Resource    any    // pooled resource (e.g. *pool.Conn, *rod.Page)
	Timeout     time.Duration
	MaxBodySize int64
}

// Response is the raw output of a successful adapter fetch.
type Response struct {
	Status   int
	Headers  map[string]string
	Body     string
	Title    string
	FinalURL string
}

// Adapter is a named transport strategy producing a page for a URL.
// Implementations fail by returning an error; partial results are never
// returned.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "http", "render").
	Name() string

	// Fetch retrieves the page content for the given request.
	Fetch(ctx context.Context, req *Request) (*Response, error)

	// Capabilities describes what the adapter can do.
	Capabilities() models.Capabilities
}

// URLMatcher is optionally implemented by adapters that can rule
// themselves out for certain URLs. Absent, every URL is assumed handled.
type URLMatcher interface {
	CanHandle(url string) bool
}

// URLPrioritizer is optionally implemented by adapters that bias their
// own base priority per URL (0-100). Absent, the registered static
// priority applies.
type URLPrioritizer interface {
	PriorityFor(url string) int
}

// Hybrid is implemented by enhanced variants of a base strategy. When a
// hybrid adapter exhausts all fetch attempts the orchestrator falls back
// once to the base adapter named here.
type Hybrid interface {
	BaseName() string
}
