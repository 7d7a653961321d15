package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

type runResponse struct {
	Source     string `json:"source"`
	Status     string `json:"status"`
	Found      int    `json:"found"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	Invalid    int    `json:"invalid"`
	Error      string `json:"error"`
}

type sourceMetric struct {
	Source     string
	DryRun     bool
	HTTPStatus int
	Duration   time.Duration
	Run        runResponse
	Error      string
}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	adminSecretFlag := flag.String("admin-secret", "", "Admin secret (or use ADMIN_SECRET env)")
	sourcesCSV := flag.String("sources", "", "Comma-separated list of source ids")
	sourcesFile := flag.String("sources-file", "", "Path to file with one source id per line")
	rateLimitMs := flag.Int("rate-limit-ms", 1000, "Delay between source runs in milliseconds")
	timeoutSec := flag.Int("timeout-sec", 300, "HTTP timeout in seconds")
	dryRun := flag.Bool("dry-run", false, "Print planned calls only; do not execute")
	flag.Parse()

	adminSecret := strings.TrimSpace(*adminSecretFlag)
	if adminSecret == "" {
		adminSecret = strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	}
	if adminSecret == "" {
		exitErr(errors.New("missing admin secret: use -admin-secret or ADMIN_SECRET env"))
	}

	ids, err := loadSources(*sourcesCSV, *sourcesFile)
	if err != nil {
		exitErr(err)
	}
	if len(ids) == 0 {
		exitErr(errors.New("no sources provided: use -sources or -sources-file"))
	}
	if *timeoutSec <= 0 {
		exitErr(errors.New("timeout-sec must be > 0"))
	}

	client := &http.Client{Timeout: time.Duration(*timeoutSec) * time.Second}
	metrics := make([]sourceMetric, 0, len(ids))

	for idx, id := range ids {
		metric := sourceMetric{Source: id, DryRun: *dryRun}
		start := time.Now()

		reqURL := buildURL(*baseURL, id)
		if *dryRun {
			fmt.Printf("[DRY-RUN] POST %s\n", reqURL)
		} else {
			run, statusCode, callErr := callRun(client, reqURL, adminSecret)
			metric.HTTPStatus = statusCode
			if run != nil {
				metric.Run = *run
			}
			if callErr != nil {
				metric.Error = callErr.Error()
			}
		}
		metric.Duration = time.Since(start)
		metrics = append(metrics, metric)

		if idx < len(ids)-1 && *rateLimitMs > 0 {
			time.Sleep(time.Duration(*rateLimitMs) * time.Millisecond)
		}
	}

	printReport(metrics)
}

func loadSources(csv, filePath string) ([]string, error) {
	set := map[string]struct{}{}

	for _, part := range strings.Split(csv, ",") {
		if id := strings.TrimSpace(part); id != "" {
			set[id] = struct{}{}
		}
	}

	if strings.TrimSpace(filePath) != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read sources-file: %w", err)
		}
		for _, line := range strings.Split(string(content), "\n") {
			id := strings.TrimSpace(line)
			if id == "" || strings.HasPrefix(id, "#") {
				continue
			}
			set[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func buildURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v1/admin/sources/" + url.PathEscape(id) + "/run"
}

func callRun(client *http.Client, reqURL, adminSecret string) (*runResponse, int, error) {
	req, err := http.NewRequest(http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Admin-Secret", adminSecret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var payload runResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if payload.Error == "" {
			return &payload, resp.StatusCode, fmt.Errorf("http %d", resp.StatusCode)
		}
		return &payload, resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, payload.Error)
	}
	return &payload, resp.StatusCode, nil
}

func printReport(metrics []sourceMetric) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Source Run Report")
	t.AppendHeader(table.Row{"Source", "Dry", "HTTP", "Status", "Found", "Accepted", "Dupes", "Invalid", "Sec", "Error"})

	var found, accepted, dupes, invalid, failures int
	for _, m := range metrics {
		if m.Error != "" {
			failures++
		}
		found += m.Run.Found
		accepted += m.Run.Accepted
		dupes += m.Run.Duplicates
		invalid += m.Run.Invalid

		t.AppendRow(table.Row{
			m.Source, m.DryRun, m.HTTPStatus, m.Run.Status,
			m.Run.Found, m.Run.Accepted, m.Run.Duplicates, m.Run.Invalid,
			fmt.Sprintf("%.2f", m.Duration.Seconds()), m.Error,
		})
	}
	t.AppendFooter(table.Row{"TOTAL", "", "", "", found, accepted, dupes, invalid, "", fmt.Sprintf("%d errors", failures)})
	t.Render()
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
