// Command harvest-mcp exposes a running harvest API server as MCP tools
// over stdio, so agent runtimes can fetch pages through the service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// fetchRequest mirrors the harvest API request model.
type fetchRequest struct {
	URL            string `json:"url"`
	Mode           string `json:"mode,omitempty"`
	NeedsRendering bool   `json:"needsRendering,omitempty"`
	NeedsStealth   bool   `json:"needsStealth,omitempty"`
	SkipCache      bool   `json:"skipCache,omitempty"`
}

// fetchResponse mirrors the harvest API response model.
type fetchResponse struct {
	Success bool `json:"success"`
	Result  *struct {
		URL      string `json:"url"`
		FinalURL string `json:"finalUrl"`
		Body     string `json:"body"`
		Title    string `json:"title"`
		Status   int    `json:"status"`
		Adapter  string `json:"adapter"`
		Cached   bool   `json:"cached"`
	} `json:"result"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statsResponse mirrors the harvest API stats model.
type statsResponse struct {
	Cache struct {
		Entries   int   `json:"entries"`
		Hits      int64 `json:"hits"`
		Misses    int64 `json:"misses"`
		Evictions int64 `json:"evictions"`
	} `json:"cache"`
	Pools []struct {
		Name      string `json:"name"`
		Total     int    `json:"total"`
		Available int    `json:"available"`
		InUse     int    `json:"inUse"`
	} `json:"pools"`
	Breakers map[string]string `json:"breakers"`
}

func main() {
	apiURL := os.Getenv("HARVEST_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("HARVEST_API_KEY")

	s := server.NewMCPServer(
		"harvest",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	fetchTool := mcp.NewTool("fetch_url",
		mcp.WithDescription("Fetch a web page through the harvest service. The service picks the cheapest transport that works: plain HTTP, a headless browser, or a stealth browser for sites that block automation."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the web page to fetch"),
		),
		mcp.WithString("mode",
			mcp.Description("Force a transport: 'http', 'render' (headless browser) or 'render-stealth' (anti-detection browser). Omit to let the service choose."),
			mcp.Enum("http", "render", "render-stealth"),
		),
		mcp.WithBoolean("needs_rendering",
			mcp.Description("Hint that the page requires JavaScript execution"),
		),
		mcp.WithBoolean("skip_cache",
			mcp.Description("Bypass the result cache and fetch fresh content"),
		),
	)
	s.AddTool(fetchTool, handleFetchURL(apiURL, apiKey))

	statsTool := mcp.NewTool("service_stats",
		mcp.WithDescription("Show harvest service health: cache counters, resource pool sizes and circuit breaker states per transport."),
	)
	s.AddTool(statsTool, handleServiceStats(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleFetchURL(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 120 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		payload := fetchRequest{
			URL:            url,
			Mode:           request.GetString("mode", ""),
			NeedsRendering: request.GetBool("needs_rendering", false),
			SkipCache:      request.GetBool("skip_cache", false),
		}

		respBody, err := apiPost(ctx, client, apiURL, apiKey, "/api/v1/fetch", payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("fetch request failed: %v", err)), nil
		}

		var resp fetchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}

		if !resp.Success || resp.Result == nil {
			errMsg := "fetch failed"
			if resp.Error != nil {
				errMsg = fmt.Sprintf("[%s] %s", resp.Error.Code, resp.Error.Message)
			}
			return mcp.NewToolResultError(errMsg), nil
		}

		r := resp.Result
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Title: %s\nURL: %s\nStatus: %d\nTransport: %s\n",
			r.Title, r.FinalURL, r.Status, r.Adapter))
		if r.Cached {
			sb.WriteString("Served from cache.\n")
		}
		sb.WriteString("\n")
		sb.WriteString(r.Body)

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleServiceStats(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		respBody, err := apiGet(ctx, client, apiURL, apiKey, "/api/v1/stats")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats request failed: %v", err)), nil
		}

		var stats statsResponse
		if err := json.Unmarshal(respBody, &stats); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse stats: %v", err)), nil
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Cache: %d entries, %d hits, %d misses, %d evictions\n\n",
			stats.Cache.Entries, stats.Cache.Hits, stats.Cache.Misses, stats.Cache.Evictions))
		sb.WriteString("Pools:\n")
		for _, p := range stats.Pools {
			sb.WriteString(fmt.Sprintf("  %s: %d total, %d available, %d in use\n",
				p.Name, p.Total, p.Available, p.InUse))
		}
		sb.WriteString("\nBreakers:\n")
		for name, state := range stats.Breakers {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", name, state))
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func apiPost(ctx context.Context, client *http.Client, apiURL, apiKey, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func apiGet(ctx context.Context, client *http.Client, apiURL, apiKey, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
