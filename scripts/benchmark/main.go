package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// CLI flags
var (
	apiURL = flag.String("api-url", "http://localhost:8080", "Harvest API base URL")
	apiKey = flag.String("api-key", "", "API key for authenticated requests")
	runs   = flag.Int("runs", 3, "Number of cold runs per URL for averaging")
	mode   = flag.String("mode", "", "Force an adapter mode for every request (http, render, render-stealth)")
	output = flag.String("output", "benchmark-results.json", "JSON output file path")
)

// Test URLs covering the common site profiles.
var testURLs = []struct {
	Label string
	URL   string
}{
	{"Static", "https://example.com"},
	{"Blog", "https://go.dev/blog/go1.21"},
	{"Docs", "https://go.dev/doc/effective_go"},
	{"News", "https://www.bbc.com/news"},
	{"Complex", "https://github.com/go-rod/rod"},
}

// --- Request / Response types (mirrors models package) ---

type fetchRequest struct {
	URL       string `json:"url"`
	Mode      string `json:"mode,omitempty"`
	SkipCache bool   `json:"skipCache,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type fetchResponse struct {
	Success bool         `json:"success"`
	Result  *fetchResult `json:"result,omitempty"`
	Error   *errorDetail `json:"error,omitempty"`
}

type fetchResult struct {
	RequestID    string `json:"requestId"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Status       int    `json:"status"`
	Adapter      string `json:"adapter"`
	ResponseTime int64  `json:"responseTime"`
	Cached       bool   `json:"cached"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Benchmark result types ---

type runResult struct {
	Run           int    `json:"run"`
	TotalMs       int64  `json:"total_ms"`
	Adapter       string `json:"adapter"`
	StatusCode    int    `json:"status_code"`
	ContentLength int    `json:"content_length"`
	HasTitle      bool   `json:"has_title"`
	Cached        bool   `json:"cached"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

type urlAverages struct {
	ColdMs        float64 `json:"cold_ms"`
	CachedMs      float64 `json:"cached_ms"`
	Speedup       float64 `json:"cache_speedup"`
	ContentLength float64 `json:"content_length"`
}

type urlResult struct {
	URL       string       `json:"url"`
	Label     string       `json:"label"`
	ColdRuns  []runResult  `json:"cold_runs"`
	CachedRun *runResult   `json:"cached_run,omitempty"`
	Averages  *urlAverages `json:"averages,omitempty"`
}

type benchmarkReport struct {
	Timestamp  string      `json:"timestamp"`
	APIURL     string      `json:"api_url"`
	Mode       string      `json:"mode,omitempty"`
	RunsPerURL int         `json:"runs_per_url"`
	Results    []urlResult `json:"results"`
}

func main() {
	flag.Parse()

	fmt.Println("=== Harvest Benchmark Suite ===")
	fmt.Printf("API URL:   %s\n", *apiURL)
	fmt.Printf("Runs/URL:  %d\n", *runs)
	if *mode != "" {
		fmt.Printf("Mode:      %s\n", *mode)
	}
	fmt.Printf("Output:    %s\n", *output)
	fmt.Println()

	// Quick connectivity check.
	if err := checkAPI(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure harvest is running (harvest serve)\n")
		os.Exit(1)
	}

	report := benchmarkReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		APIURL:     *apiURL,
		Mode:       *mode,
		RunsPerURL: *runs,
	}

	for _, t := range testURLs {
		fmt.Printf("Benchmarking [%s] %s ...\n", t.Label, t.URL)
		ur := urlResult{URL: t.URL, Label: t.Label}

		// Cold runs bypass the cache so every attempt exercises the full
		// pipeline: pool lease, routing, adapter fetch.
		for i := 1; i <= *runs; i++ {
			fmt.Printf("  Cold run %d/%d ... ", i, *runs)
			rr := fetchOnce(t.URL, i, true)
			if rr.Success {
				fmt.Printf("OK  %dms  via %s\n", rr.TotalMs, rr.Adapter)
			} else {
				fmt.Printf("FAILED: %s\n", rr.Error)
			}
			ur.ColdRuns = append(ur.ColdRuns, rr)
		}

		// One warm run measures the cache path. The last cold run stored
		// the result, so this should come back annotated as cached.
		fmt.Printf("  Cached run ... ")
		cr := fetchOnce(t.URL, *runs+1, false)
		if cr.Success {
			fmt.Printf("OK  %dms  cached=%v\n", cr.TotalMs, cr.Cached)
			ur.CachedRun = &cr
		} else {
			fmt.Printf("FAILED: %s\n", cr.Error)
		}

		ur.Averages = computeAverages(ur.ColdRuns, ur.CachedRun)
		report.Results = append(report.Results, ur)
		fmt.Println()
	}

	// Print summary table.
	printTable(report.Results)

	// Write JSON report.
	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func checkAPI(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func fetchOnce(url string, run int, skipCache bool) runResult {
	rr := runResult{Run: run}

	reqBody := fetchRequest{
		URL:       url,
		Mode:      *mode,
		SkipCache: skipCache,
		TimeoutMs: 60000,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		rr.Error = fmt.Sprintf("marshal error: %v", err)
		return rr
	}

	req, err := http.NewRequest("POST", *apiURL+"/api/v1/fetch", bytes.NewReader(bodyBytes))
	if err != nil {
		rr.Error = fmt.Sprintf("request error: %v", err)
		return rr
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		rr.Error = fmt.Sprintf("request failed: %v", err)
		return rr
	}
	defer resp.Body.Close()
	rr.TotalMs = time.Since(start).Milliseconds()

	var fr fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		rr.Error = fmt.Sprintf("decode error: %v", err)
		return rr
	}

	rr.Success = fr.Success
	if fr.Result != nil {
		rr.Adapter = fr.Result.Adapter
		rr.StatusCode = fr.Result.Status
		rr.ContentLength = len(fr.Result.Body)
		rr.HasTitle = fr.Result.Title != ""
		rr.Cached = fr.Result.Cached
	}
	if fr.Error != nil {
		rr.Error = fr.Error.Message
	}

	return rr
}

func computeAverages(coldRuns []runResult, cachedRun *runResult) *urlAverages {
	var successCount int
	var avg urlAverages

	for _, r := range coldRuns {
		if !r.Success {
			continue
		}
		successCount++
		avg.ColdMs += float64(r.TotalMs)
		avg.ContentLength += float64(r.ContentLength)
	}

	if successCount == 0 {
		return nil
	}

	n := float64(successCount)
	avg.ColdMs /= n
	avg.ContentLength /= n

	if cachedRun != nil && cachedRun.Success {
		avg.CachedMs = float64(cachedRun.TotalMs)
		if avg.CachedMs > 0 {
			avg.Speedup = avg.ColdMs / avg.CachedMs
		}
	}
	return &avg
}

func printTable(results []urlResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "URL\tCold Latency\tCached\tSpeedup\tContent Len\tAdapter\n")
	fmt.Fprintf(w, "───\t────────────\t──────\t───────\t───────────\t───────\n")

	for _, r := range results {
		if r.Averages == nil {
			fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\t-\n", truncateURL(r.URL, 40))
			continue
		}

		fmt.Fprintf(w, "%s\t%dms\t%dms\t%.1fx\t%s\t%s\n",
			truncateURL(r.URL, 40),
			int64(r.Averages.ColdMs),
			int64(r.Averages.CachedMs),
			r.Averages.Speedup,
			formatInt(int(r.Averages.ContentLength)),
			dominantAdapter(r.ColdRuns),
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func dominantAdapter(runs []runResult) string {
	counts := map[string]int{}
	for _, r := range runs {
		if r.Success {
			counts[r.Adapter]++
		}
	}
	best, bestCount := "-", 0
	for name, count := range counts {
		if count > bestCount {
			best = name
			bestCount = count
		}
	}
	return best
}

func truncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	return u[:max-3] + "..."
}

func formatInt(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
