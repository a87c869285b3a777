package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/use-agent/harvest/adapter"
	"github.com/use-agent/harvest/api"
	"github.com/use-agent/harvest/breaker"
	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/fetch"
	"github.com/use-agent/harvest/metrics"
	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/pool"
	"github.com/use-agent/harvest/proxy"
	"github.com/use-agent/harvest/router"
	"github.com/use-agent/harvest/urlcheck"
)

var version = "0.1.0"

// Base priorities for adapter scoring: plain HTTP is cheapest and
// preferred, rendering is the workhorse, stealth the heavy last resort.
const (
	priorityHTTP          = 80
	priorityRender        = 60
	priorityRenderStealth = 40
)

var (
	fetchMode    string
	fetchHeaders []string
	fetchTimeout time.Duration
	fetchRetries int
	fetchRender  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "harvest",
		Short:        "Content retrieval service with adaptive transport strategies",
		Version:      version,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE:  runServe,
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a single URL and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringVarP(&fetchMode, "mode", "m", "", "Force an adapter (http, render, render-stealth)")
	fetchCmd.Flags().StringSliceVarP(&fetchHeaders, "header", "H", nil, "Extra request header, 'Name: value' (repeatable)")
	fetchCmd.Flags().DurationVarP(&fetchTimeout, "timeout", "t", 0, "Per-attempt timeout (default from config)")
	fetchCmd.Flags().IntVarP(&fetchRetries, "retries", "r", -1, "Retries after the first attempt (-1 = config default)")
	fetchCmd.Flags().BoolVar(&fetchRender, "render", false, "Launch a browser so render adapters are available")

	rootCmd.AddCommand(serveCmd, fetchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	initLogger(cfg.Log)
	slog.Info("harvest starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
	)

	reg := prometheus.NewRegistry()
	obs := metrics.NewPrometheus(reg)

	renderPool, err := pool.NewRenderPool(pool.Config(cfg.RenderPool), pool.BrowserOptions{
		Headless:   cfg.Browser.Headless,
		NoSandbox:  cfg.Browser.NoSandbox,
		BrowserBin: cfg.Browser.BrowserBin,
	}, obs)
	if err != nil {
		slog.Error("failed to start render pool", "error", err)
		os.Exit(1)
	}
	defer renderPool.Shutdown()

	connPool := pool.NewConnPool(pool.Config(cfg.ConnPool), obs)
	defer connPool.Shutdown()

	cc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL, cfg.Cache.SweepInterval, obs)
	defer cc.Stop()

	rt := newRouter(cfg, obs, true)
	defer rt.Stop()

	rotation := proxy.NewRotation(cfg.Proxy.URLs, cfg.Proxy.QuarantineAfter, cfg.Proxy.QuarantineFor, obs)

	orc := fetch.New(cfg.Fetch, urlcheck.New(), cc, rt, rotation,
		fetch.FromPool(renderPool.Pool), fetch.FromPool(connPool))

	poolStats := func() []pool.Stats {
		return []pool.Stats{renderPool.Stats(), connPool.Stats()}
	}

	startTime := time.Now()
	engine := api.NewRouter(orc, cfg, cc, rt, poolStats, reg, startTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Give in-flight requests 5 seconds to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Pools, cache and router shut down via defer.
	slog.Info("harvest stopped")
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	initLogger(config.LogConfig{Level: "warn", Format: "text"})

	obs := metrics.Nop{}

	// One-shot mode keeps the browser down unless asked for: launching
	// Chromium for a page plain HTTP can fetch is wasted seconds.
	wantRender := fetchRender || fetchMode == "render" || fetchMode == "render-stealth"

	var renderSource fetch.ResourcePool
	if wantRender {
		renderPool, err := pool.NewRenderPool(pool.Config{
			MinSize:        0,
			MaxSize:        1,
			AcquireTimeout: cfg.RenderPool.AcquireTimeout,
		}, pool.BrowserOptions{
			Headless:   cfg.Browser.Headless,
			NoSandbox:  cfg.Browser.NoSandbox,
			BrowserBin: cfg.Browser.BrowserBin,
		}, obs)
		if err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
		defer renderPool.Shutdown()
		renderSource = fetch.FromPool(renderPool.Pool)
	}

	connPool := pool.NewConnPool(pool.Config{
		MinSize:        0,
		MaxSize:        2,
		AcquireTimeout: cfg.ConnPool.AcquireTimeout,
	}, obs)
	defer connPool.Shutdown()

	cc := cache.New(0, 0, 0, obs) // one-shot: no caching
	defer cc.Stop()

	rt := newRouter(cfg, obs, wantRender)
	defer rt.Stop()

	rotation := proxy.NewRotation(cfg.Proxy.URLs, cfg.Proxy.QuarantineAfter, cfg.Proxy.QuarantineFor, obs)

	orc := fetch.New(cfg.Fetch, urlcheck.New(), cc, rt, rotation,
		renderSource, fetch.FromPool(connPool))

	opts := models.NewOptions()
	opts.Mode = fetchMode
	opts.SkipCache = true
	opts.Timeout = fetchTimeout
	opts.MaxRetries = fetchRetries
	opts.Headers = parseHeaders(fetchHeaders)

	result, err := orc.Fetch(cmd.Context(), args[0], opts)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// newRouter builds the adapter registry shared by serve and fetch. The
// render adapters are only registered when a browser is available.
func newRouter(cfg *config.Config, obs metrics.Observer, withRender bool) *router.Router {
	rt := router.New(router.Config{
		PriorityWeight:    cfg.Router.PriorityWeight,
		PerformanceWeight: cfg.Router.PerformanceWeight,
		CapabilityWeight:  cfg.Router.CapabilityWeight,
		MetricsWindow:     cfg.Router.MetricsWindow,
	}, obs)

	breakerCfg := breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		HalfOpenConcurrency: cfg.Breaker.HalfOpenConcurrency,
		OpenDuration:        cfg.Breaker.OpenDuration,
	}

	rt.Register(adapter.NewHTTP(), priorityHTTP, breakerCfg)
	if withRender {
		rt.Register(adapter.NewRender(), priorityRender, breakerCfg)
		rt.Register(adapter.NewRenderStealth(), priorityRenderStealth, breakerCfg)
	}
	return rt
}

// parseHeaders turns "Name: value" strings into a header map.
func parseHeaders(raw []string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
