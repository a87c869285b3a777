package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/use-agent/harvest/models"
)

// Render is the headless-rendering strategy. It drives a pooled browser
// page: navigate under the request context, wait for the DOM to settle,
// then extract the rendered HTML. The stealth variant additionally masks
// automation fingerprints before navigation (see stealth.go).
type Render struct {
	name    string
	base    string // non-empty marks a hybrid variant of that base adapter
	stealth bool
}

// NewRender creates the plain rendering adapter.
func NewRender() *Render {
	return &Render{name: "render"}
}

func (a *Render) Name() string { return a.name }

func (a *Render) Capabilities() models.Capabilities {
	return models.Capabilities{
		ScriptedRendering: true,
		Cookies:           true,
		Screenshot:        true,
		Stealth:           a.stealth,
	}
}

// BaseName returns the base adapter this variant enhances, or "" for the
// base strategy itself.
func (a *Render) BaseName() string { return a.base }

// Fetch renders the page in a pooled browser tab.
//
// Order matters: stealth injection and extra headers must be installed
// before Navigate — they only take effect for navigations that happen
// after them. The about:blank reset at the end uses the original page
// reference (without the request context) so cleanup succeeds even when
// the request deadline has expired.
func (a *Render) Fetch(ctx context.Context, req *Request) (*Response, error) {
	page, ok := req.Resource.(*rod.Page)
	if !ok {
		return nil, fmt.Errorf("%s adapter: resource is %T, want *rod.Page", a.name, req.Resource)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// Leave the tab parked on about:blank so the DOM of this navigation
	// does not pin memory while the page sits idle in the pool.
	defer func() {
		if navErr := page.Navigate("about:blank"); navErr != nil {
			slog.Warn("render adapter: cleanup navigation failed", "error", navErr)
		}
	}()

	if a.stealth {
		if err := a.maskFingerprint(page, req); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	if len(req.Headers) > 0 {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(req.Headers),
		}.Call(page)
	}

	p := page.Context(ctx)

	if err := p.Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("%s adapter: navigate: %w", a.name, err)
	}

	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}

	// Status code via the performance navigation entry; CDP network event
	// listeners conflict with the Fetch domain on Chromium 145+.
	statusCode := 0
	if res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); err == nil {
		statusCode = res.Value.Int()
	}

	rawHTML, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("%s adapter: extract html: %w", a.name, err)
	}

	title := evalStringOrEmpty(p, `() => document.title`)
	finalURL := evalStringOrEmpty(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = req.URL
	}

	return &Response{
		Status:   statusCode,
		Body:     rawHTML,
		Title:    title,
		FinalURL: finalURL,
	}, nil
}

// evalStringOrEmpty evaluates a JS expression and returns the string
// result, swallowing any errors (used for optional metadata).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders
// type (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
