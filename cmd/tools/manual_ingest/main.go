package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/oppforge/internal/cli"
	"github.com/david/oppforge/internal/config"
	"github.com/david/oppforge/internal/logging"
	"github.com/david/oppforge/internal/pipeline"
	"github.com/david/oppforge/internal/sources"
)

// manual_ingest runs one connector in process and prints what it scraped. With
// -post the payloads are submitted to a running server's ingest endpoint.
func main() {
	envLoader := cli.AddEnvFlag(flag.CommandLine, ".env", "")
	sourceID := flag.String("source", "", "Source id to collect (e.g. gitcoin-grants)")
	post := flag.Bool("post", false, "Submit the collected payloads to the server")
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL used with -post")
	flag.Parse()
	_, _ = envLoader.Load()

	if *sourceID == "" {
		log.Fatal("Please provide a source id using -source flag")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	registry, err := sources.LoadRegistry(cfg.SourcesFile)
	if err != nil {
		log.Fatalf("Failed to load registry: %v", err)
	}
	src, ok := registry.Get(*sourceID)
	if !ok {
		log.Fatalf("Unknown source %q", *sourceID)
	}
	src.Disabled = false

	fetcher := sources.NewRateLimitedFetcher(sources.FetchConfig{}, logger)
	connectors, err := sources.BuildConnectors(&sources.Registry{Sources: []sources.SourceConfig{src}}, fetcher, logger)
	if err != nil {
		log.Fatalf("Failed to build connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	payloads, collectErr := connectors[0].Collect(ctx)
	if collectErr != nil {
		log.Printf("Collection error (showing partial results): %v", collectErr)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("%s: %d payloads", src.Name, len(payloads)))
	t.AppendHeader(table.Row{"#", "Title", "Reward", "Deadline", "Chain", "URL"})
	for i, p := range payloads {
		t.AppendRow(table.Row{i + 1, clip(p.Title, 50), clip(p.RewardText, 20), clip(p.Deadline, 20), p.Chain, clip(p.URL, 60)})
	}
	t.Render()

	if !*post || len(payloads) == 0 {
		return
	}

	secret := strings.TrimSpace(cfg.AdminSecret)
	if secret == "" {
		log.Fatal("ADMIN_SECRET is required with -post")
	}
	body, err := json.Marshal(payloads)
	if err != nil {
		log.Fatalf("Encode payloads: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/ingest", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Ingest request failed: %v", err)
	}
	defer resp.Body.Close()

	var report pipeline.BatchReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		log.Fatalf("Decode ingest response (HTTP %d): %v", resp.StatusCode, err)
	}
	log.Printf("Ingest finished for %s. Created: %d, Updated: %d, Clustered: %d, Duplicates: %d, Invalid: %d, Deferred: %d",
		src.ID, report.Created, report.Updated, report.Clustered, report.Duplicates, report.Invalid, report.Deferred)
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
