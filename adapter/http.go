package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/pool"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

const defaultMaxBody = 10 << 20

// HTTP is the lightweight plain-network strategy. It drives a pooled
// Chrome-fingerprinted client and is the fastest option for static pages
// that need no JavaScript rendering.
type HTTP struct{}

// NewHTTP creates the plain HTTP adapter.
func NewHTTP() *HTTP { return &HTTP{} }

func (a *HTTP) Name() string { return "http" }

func (a *HTTP) Capabilities() models.Capabilities {
	return models.Capabilities{Cookies: true, Proxy: true}
}

func (a *HTTP) Fetch(ctx context.Context, req *Request) (*Response, error) {
	conn, ok := req.Resource.(*pool.Conn)
	if !ok {
		return nil, fmt.Errorf("http adapter: resource is %T, want *pool.Conn", req.Resource)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("http adapter: build request: %w", err)
	}

	// Simulate browser-like headers.
	httpReq.Header.Set("User-Agent", chromeUA)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "identity")

	// Custom headers override the defaults.
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := conn.Client(req.Proxy)
	if req.Proxy != "" {
		defer client.CloseIdleConnections()
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http adapter: do request: %w", err)
	}
	defer resp.Body.Close()

	maxBody := req.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("http adapter: read body: %w", err)
	}

	// A non-HTML or error response is a failure so the router can fail
	// over to a rendering adapter.
	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode >= 400 || !isHTMLContentType(ct) {
		return nil, fmt.Errorf("http adapter: non-html or error status %d (content-type: %s)", resp.StatusCode, ct)
	}

	bodyStr := string(body)
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		Status:   resp.StatusCode,
		Headers:  headers,
		Body:     bodyStr,
		Title:    extractTitle(bodyStr),
		FinalURL: resp.Request.URL.String(),
	}, nil
}

// isHTMLContentType returns true if the content-type header looks like HTML.
func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// extractTitle uses the Go HTML tokenizer to find the first <title> element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}
