// Package fetch is the orchestrator: it validates the destination, checks
// the cache, drives the retry loop with backoff and proxy rotation, runs
// the routed adapter against a pooled resource and writes successful
// results through to the cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/harvest/adapter"
	"github.com/use-agent/harvest/breaker"
	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/pool"
	"github.com/use-agent/harvest/proxy"
	"github.com/use-agent/harvest/router"
	"github.com/use-agent/harvest/urlcheck"
)

// ResourcePool hands out pooled resources for adapter execution. The
// release callback must be called exactly once; ok reports whether the
// checkout succeeded.
type ResourcePool interface {
	AcquireResource(ctx context.Context) (value any, release func(ok bool), err error)
}

// poolSource adapts a generic *pool.Pool[T] to ResourcePool.
type poolSource[T any] struct {
	p *pool.Pool[T]
}

func (s poolSource[T]) AcquireResource(ctx context.Context) (any, func(bool), error) {
	lease, err := s.p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return lease.Value(), func(ok bool) { s.p.Release(lease, ok) }, nil
}

// FromPool wraps a typed pool as a ResourcePool.
func FromPool[T any](p *pool.Pool[T]) ResourcePool {
	return poolSource[T]{p: p}
}

// Orchestrator composes validation, caching, routing, pooling and proxy
// rotation into the single Fetch operation. Safe for concurrent use.
type Orchestrator struct {
	cfg       config.FetchConfig
	validator *urlcheck.Validator
	cache     *cache.Cache
	router    *router.Router
	proxies   *proxy.Rotation
	render    ResourcePool // scripted-rendering adapters
	conn      ResourcePool // everything else

	sleep func(ctx context.Context, d time.Duration) error // test seam
}

// New wires the orchestrator. render and conn are the pooled resource
// sources for scripted-rendering adapters and plain-transport adapters
// respectively.
func New(cfg config.FetchConfig, validator *urlcheck.Validator, c *cache.Cache,
	r *router.Router, proxies *proxy.Rotation, render, conn ResourcePool) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		validator: validator,
		cache:     c,
		router:    r,
		proxies:   proxies,
		render:    render,
		conn:      conn,
		sleep:     sleepCtx,
	}
}

// Fetch retrieves the content of url. The full pipeline: validate and
// normalize, consult the cache, then attempt the fetch up to 1+maxRetries
// times with linear backoff and a fresh proxy identity per attempt. When a
// hybrid adapter exhausts every attempt, its base strategy gets one last
// try before the terminal error is returned.
//
// Identical concurrent requests each run the pipeline; in-flight
// deduplication is deliberately absent, the cache handles the common case.
func (o *Orchestrator) Fetch(ctx context.Context, rawURL string, opts *models.Options) (*models.Result, error) {
	requestID := uuid.NewString()
	if opts == nil {
		opts = models.NewOptions()
	}

	normalized, err := o.validator.Validate(rawURL)
	if err != nil {
		// Terminal: validation failures are never retried.
		return nil, withRequestID(err, requestID)
	}

	key := cache.Key(normalized, opts)
	if !opts.SkipCache {
		if cached, ok := o.cache.Get(key); ok {
			hit := *cached
			hit.Cached = true
			hit.RequestID = requestID
			return &hit, nil
		}
	}

	start := time.Now()

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = o.cfg.MaxRetries
	}
	attempts := maxRetries + 1

	var (
		lastErr     error
		lastAdapter string
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, time.Duration(attempt)*o.cfg.BackoffStep); err != nil {
				lastErr = err
				break
			}
		}

		resp, name, err := o.attempt(ctx, requestID, normalized, opts)
		if err == nil {
			result := o.buildResult(requestID, normalized, name, resp, start)
			o.cache.Set(key, result, 0)
			return result, nil
		}

		lastErr = err
		if name != "" {
			lastAdapter = name
		}
		slog.Warn("fetch: attempt failed",
			"requestID", requestID,
			"url", normalized,
			"attempt", attempt+1,
			"of", attempts,
			"adapter", name,
			"error", err,
		)
	}

	// A hybrid strategy that ran out of attempts falls back once to its
	// base strategy before giving up.
	if base := o.hybridBase(lastAdapter, opts); base != "" {
		slog.Info("fetch: falling back to base strategy",
			"requestID", requestID, "from", lastAdapter, "to", base)

		baseOpts := *opts
		baseOpts.Mode = base
		resp, name, err := o.attempt(ctx, requestID, normalized, &baseOpts)
		if err == nil {
			result := o.buildResult(requestID, normalized, name, resp, start)
			o.cache.Set(key, result, 0)
			return result, nil
		}
		slog.Warn("fetch: base strategy failed",
			"requestID", requestID, "adapter", base, "error", err)
	}

	return nil, o.terminalError(requestID, normalized, lastErr)
}

// attempt runs one routed fetch attempt: pick a proxy identity, execute
// through the router (which handles breaker admission and the single
// adapter failover) and report the outcome back to the rotation.
func (o *Orchestrator) attempt(ctx context.Context, requestID, url string, opts *models.Options) (*adapter.Response, string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.cfg.AttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	identity := o.proxies.Next()

	resp, name, err := o.router.Execute(attemptCtx, requestID, url, opts,
		o.executor(url, opts, identity, timeout))

	if identity != nil {
		// Pool timeouts and breaker rejections never reached the network,
		// so the proxy is not to blame for them.
		if err == nil {
			o.proxies.ReportSuccess(identity)
		} else if !isLocalFailure(err) {
			o.proxies.ReportFailure(identity)
		}
	}
	return resp, name, err
}

// executor returns the per-attempt callback the router invokes with the
// adapter it chose. Resource acquisition happens here so the router never
// touches pools: the adapter's capabilities pick the resource family.
func (o *Orchestrator) executor(url string, opts *models.Options, identity *proxy.Identity, timeout time.Duration) router.Executor {
	return func(ctx context.Context, a adapter.Adapter) (*adapter.Response, error) {
		source := o.conn
		if a.Capabilities().ScriptedRendering {
			source = o.render
		}

		value, release, err := source.AcquireResource(ctx)
		if err != nil {
			return nil, err
		}
		ok := false
		defer func() { release(ok) }()

		req := &adapter.Request{
			URL:         url,
			Headers:     opts.Headers,
			Resource:    value,
			Timeout:     timeout,
			MaxBodySize: o.cfg.MaxBodySize,
		}
		if identity != nil {
			req.Proxy = identity.URL
		}

		resp, err := a.Fetch(ctx, req)
		ok = err == nil
		return resp, err
	}
}

// hybridBase resolves the base-strategy name to fall back to, or "" when
// no fallback applies: the last adapter is not a hybrid, the base is not
// registered, or the caller already forced that exact adapter.
func (o *Orchestrator) hybridBase(lastAdapter string, opts *models.Options) string {
	if lastAdapter == "" {
		return ""
	}
	a, ok := o.router.Adapter(lastAdapter)
	if !ok {
		return ""
	}
	h, ok := a.(adapter.Hybrid)
	if !ok {
		return ""
	}
	base := h.BaseName()
	if base == "" || base == lastAdapter || opts.Mode == base {
		return ""
	}
	if _, ok := o.router.Adapter(base); !ok {
		return ""
	}
	return base
}

func (o *Orchestrator) buildResult(requestID, url, adapterName string, resp *adapter.Response, start time.Time) *models.Result {
	return &models.Result{
		RequestID:    requestID,
		URL:          url,
		FinalURL:     resp.FinalURL,
		Body:         resp.Body,
		Title:        resp.Title,
		Status:       resp.Status,
		Headers:      resp.Headers,
		Adapter:      adapterName,
		ResponseTime: time.Since(start),
		Cached:       false,
	}
}

// terminalError maps the last attempt's failure to the typed error the
// API layer translates to a status code. The original cause stays
// reachable through Unwrap.
func (o *Orchestrator) terminalError(requestID, url string, lastErr error) error {
	if lastErr == nil {
		lastErr = router.ErrNoAdapter
	}

	var fe *models.FetchError
	if errors.As(lastErr, &fe) {
		return withRequestID(fe, requestID)
	}

	code := models.ErrCodeExhausted
	msg := fmt.Sprintf("all attempts failed for %s", url)

	var poolErr *pool.TimeoutError
	var openErr *breaker.OpenError
	switch {
	case errors.As(lastErr, &poolErr):
		code = models.ErrCodePoolTimeout
		msg = fmt.Sprintf("no %s resource available for %s", poolErr.Pool, url)
	case errors.As(lastErr, &openErr):
		code = models.ErrCodeCircuitOpen
		msg = fmt.Sprintf("circuit for %q is open", openErr.Name)
	}

	err := models.NewFetchError(code, msg, lastErr)
	err.RequestID = requestID
	return err
}

// isLocalFailure reports whether the error happened before any bytes went
// through the proxy.
func isLocalFailure(err error) bool {
	var poolErr *pool.TimeoutError
	var openErr *breaker.OpenError
	return errors.As(err, &poolErr) || errors.As(err, &openErr) ||
		errors.Is(err, router.ErrNoAdapter) || errors.Is(err, pool.ErrShutdown)
}

func withRequestID(err error, requestID string) error {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		fe.RequestID = requestID
		return fe
	}
	e := models.NewFetchError(models.ErrCodeInternal, err.Error(), err)
	e.RequestID = requestID
	return e
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
