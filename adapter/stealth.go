package adapter

import (
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// NewRenderStealth creates the stealth-enhanced rendering hybrid. It is a
// variant of the "render" base strategy: same pooled browser pages, plus
// automation-fingerprint masking and a search-engine referer. When it
// exhausts all attempts the orchestrator falls back to the base.
func NewRenderStealth() *Render {
	return &Render{name: "render-stealth", base: "render", stealth: true}
}

// maskFingerprint installs the stealth JS (navigator.webdriver etc.) and,
// unless the caller supplied one, a Google search referer. Both must be in
// place before navigation.
func (a *Render) maskFingerprint(page *rod.Page, req *Request) error {
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return err
	}

	if _, hasReferer := req.Headers["Referer"]; !hasReferer {
		if u, err := url.Parse(req.URL); err == nil {
			referer := "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
			_ = proto.NetworkSetExtraHTTPHeaders{
				Headers: toHeadersMap(map[string]string{"Referer": referer}),
			}.Call(page)
		}
	}
	return nil
}
