package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/harvest/metrics"
)

// BrowserOptions controls the shared Chromium instance behind the render
// pool.
type BrowserOptions struct {
	Headless   bool
	NoSandbox  bool
	BrowserBin string
}

// RenderPool pools browser pages (tabs) of one shared Rod browser. Pages
// are the expensive resource scripted-rendering adapters draw from.
type RenderPool struct {
	*Pool[*rod.Page]
	browser *rod.Browser
}

// NewRenderPool launches the browser and builds the page pool on top of it.
func NewRenderPool(cfg Config, opts BrowserOptions, obs metrics.Observer) (*RenderPool, error) {
	l := launcher.New().
		Headless(opts.Headless).
		NoSandbox(opts.NoSandbox)

	if opts.BrowserBin != "" {
		l = l.Bin(opts.BrowserBin)
	}

	// Flags that keep a long-lived automation browser quiet and stable.
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("render pool: launch browser: %w", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("render pool: connect browser: %w", err)
	}

	funcs := Funcs[*rod.Page]{
		Create: func(ctx context.Context) (*rod.Page, error) {
			return browser.Page(proto.TargetCreateTarget{})
		},
		Destroy: func(page *rod.Page) {
			_ = page.Close()
		},
		Validate: func(page *rod.Page) bool {
			_, err := page.Info()
			return err == nil
		},
	}

	return &RenderPool{
		Pool:    New("render", cfg, funcs, obs),
		browser: browser,
	}, nil
}

// Shutdown drains the page pool and kills the browser process. Call on
// graceful shutdown to prevent zombie Chrome processes.
func (rp *RenderPool) Shutdown() {
	slog.Info("render pool shutting down: draining pages")
	rp.Pool.Shutdown()
	if err := rp.browser.Close(); err != nil {
		slog.Warn("render pool: browser close", "error", err)
	}
	slog.Info("render pool shutdown complete")
}
